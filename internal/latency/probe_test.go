package latency

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"subman/internal/model"
)

func listenLocal(t *testing.T) (net.Listener, model.Node) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	addr := l.Addr().(*net.TCPAddr)
	return l, model.Node{Name: "local", Address: "127.0.0.1", Port: addr.Port, ID: "u"}
}

func closedPortNode(t *testing.T) model.Node {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return model.Node{Name: "closed", Address: "127.0.0.1", Port: port, ID: "u"}
}

func TestProbeTCP_Success(t *testing.T) {
	t.Parallel()

	_, node := listenLocal(t)
	d, err := probeTCP(node, 2*time.Second)
	if err != nil {
		t.Fatalf("probeTCP: %v", err)
	}
	if d <= 0 {
		t.Fatalf("duration=%v", d)
	}
}

func TestProbeTCP_ConnectRefused(t *testing.T) {
	t.Parallel()

	_, err := probeTCP(closedPortNode(t), 2*time.Second)
	if !errors.Is(err, errConnect) {
		t.Fatalf("err=%v, want connect failure", err)
	}
	if statusFor(err) != model.StatusConnectFailed {
		t.Fatalf("status=%v", statusFor(err))
	}
}

func TestProbeTCP_Timeout(t *testing.T) {
	t.Parallel()

	// RFC 5737 TEST-NET-1 is never routed; on hosts where the dial is
	// rejected immediately instead of black-holed there is nothing to
	// time against.
	node := model.Node{Address: "192.0.2.1", Port: 81}
	start := time.Now()
	_, err := probeTCP(node, 200*time.Millisecond)
	if errors.Is(err, errConnect) {
		t.Skip("no black-hole route in this environment")
	}
	if !errors.Is(err, errTimeout) {
		t.Fatalf("err=%v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("timed out early: %v", elapsed)
	}
	if statusFor(err) != model.StatusTimeout {
		t.Fatalf("status=%v", statusFor(err))
	}
}

func TestProbeHTTP_Success(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{behavior: behaveServe}
	opts := httpOpts(t, fl, 24800)
	opts.applyDefaults()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	d, err := probeHTTP(context.Background(), model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports)
	if err != nil {
		t.Fatalf("probeHTTP: %v", err)
	}
	if d <= 0 {
		t.Fatalf("duration=%v", d)
	}

	fl.assertAllKilled(t)
	if left := leftoverConfigs(t, opts.ConfigDir); len(left) != 0 {
		t.Fatalf("leaked config files: %v", left)
	}
}

func TestProbeHTTP_StartupFailure(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{behavior: behaveDeaf}
	opts := httpOpts(t, fl, 24900)
	opts.StartupGrace = 200 * time.Millisecond
	opts.applyDefaults()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	_, err := probeHTTP(context.Background(), model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports)
	if !errors.Is(err, errStartup) {
		t.Fatalf("err=%v, want startup failure", err)
	}
	if statusFor(err) != model.StatusStartupFailed {
		t.Fatalf("status=%v", statusFor(err))
	}

	fl.assertAllKilled(t)
	if left := leftoverConfigs(t, opts.ConfigDir); len(left) != 0 {
		t.Fatalf("leaked config files: %v", left)
	}
}

func TestProbeHTTP_LaunchError(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{launchErr: errors.New("binary not found")}
	opts := httpOpts(t, fl, 25000)
	opts.applyDefaults()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	_, err := probeHTTP(context.Background(), model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports)
	if !errors.Is(err, errStartup) {
		t.Fatalf("err=%v, want startup failure", err)
	}
	if left := leftoverConfigs(t, opts.ConfigDir); len(left) != 0 {
		t.Fatalf("leaked config files: %v", left)
	}
}

func TestProbeHTTP_RequestFailure(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{behavior: behaveServe, httpCode: 502}
	opts := httpOpts(t, fl, 25100)
	opts.applyDefaults()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	_, err := probeHTTP(context.Background(), model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports)
	if statusFor(err) != model.StatusRequestFailed {
		t.Fatalf("err=%v status=%v, want request failure", err, statusFor(err))
	}
	fl.assertAllKilled(t)
}

func TestProbeHTTP_RequestTimeout(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{behavior: behaveStall}
	opts := httpOpts(t, fl, 25200)
	opts.RequestTimeout = 200 * time.Millisecond
	opts.applyDefaults()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	_, err := probeHTTP(context.Background(), model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports)
	if !errors.Is(err, errTimeout) {
		t.Fatalf("err=%v, want timeout", err)
	}
	fl.assertAllKilled(t)
	if left := leftoverConfigs(t, opts.ConfigDir); len(left) != 0 {
		t.Fatalf("leaked config files: %v", left)
	}
}

func TestProbeHTTP_CancelledMidRequest(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{behavior: behaveStall}
	opts := httpOpts(t, fl, 25300)
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	_, err := probeHTTP(ctx, model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports)
	if statusFor(err) != model.StatusCancelled {
		t.Fatalf("err=%v status=%v, want cancelled", err, statusFor(err))
	}
	fl.assertAllKilled(t)
	if left := leftoverConfigs(t, opts.ConfigDir); len(left) != 0 {
		t.Fatalf("leaked config files: %v", left)
	}
}

func TestProbeHTTP_PortReleasedAfterProbe(t *testing.T) {
	t.Parallel()

	fl := &fakeLauncher{behavior: behaveServe}
	opts := httpOpts(t, fl, 25400)
	opts.PortMax = opts.PortBase // a single port in the range
	opts.applyDefaults()

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	for i := 0; i < 3; i++ {
		if _, err := probeHTTP(context.Background(), model.Node{Address: "a", Port: 1, ID: "u"}, &opts, ports); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
}
