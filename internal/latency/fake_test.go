package latency

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"subman/internal/xray"
)

// fakeLauncher stands in for the xray binary. It reads the SOCKS port out
// of the config file the probe generated and, depending on behavior,
// serves a minimal SOCKS5 endpoint on it.
type fakeLauncher struct {
	mu        sync.Mutex
	behavior  fakeBehavior
	httpCode  int
	launchErr error

	launched  int
	active    int
	maxActive int
	procs     []*fakeProcess
}

type fakeBehavior int

const (
	// behaveServe opens the listener and answers proxied requests.
	behaveServe fakeBehavior = iota
	// behaveDeaf never opens the listener (startup failure).
	behaveDeaf
	// behaveStall opens the listener but never answers the request.
	behaveStall
)

type fakeProcess struct {
	l        *fakeLauncher
	listener net.Listener

	mu     sync.Mutex
	killed bool
}

func (f *fakeLauncher) Launch(ctx context.Context, configPath string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.launchErr != nil {
		return nil, f.launchErr
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("fake launcher: %w", err)
	}
	var cfg xray.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("fake launcher: config not parseable: %w", err)
	}
	if len(cfg.Inbounds) != 1 {
		return nil, fmt.Errorf("fake launcher: want one inbound, got %d", len(cfg.Inbounds))
	}

	p := &fakeProcess{l: f}
	if f.behavior != behaveDeaf {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Inbounds[0].Port))
		if err != nil {
			return nil, fmt.Errorf("fake launcher: port %d not free: %w", cfg.Inbounds[0].Port, err)
		}
		p.listener = listener
		code := f.httpCode
		if code == 0 {
			code = http.StatusNoContent
		}
		go serveSocks5(listener, code, f.behavior == behaveStall)
	}

	f.launched++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.procs = append(f.procs, p)
	return p, nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return nil
	}
	p.killed = true
	if p.listener != nil {
		p.listener.Close()
	}
	p.l.mu.Lock()
	p.l.active--
	p.l.mu.Unlock()
	return nil
}

func (f *fakeLauncher) assertAllKilled(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != 0 {
		t.Fatalf("%d fake daemon processes still alive", f.active)
	}
	for i, p := range f.procs {
		p.mu.Lock()
		killed := p.killed
		p.mu.Unlock()
		if !killed {
			t.Fatalf("process %d never killed", i)
		}
	}
}

// serveSocks5 speaks just enough SOCKS5 to accept one CONNECT per
// connection and answer the tunneled HTTP request with a canned status.
func serveSocks5(l net.Listener, httpCode int, stall bool) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()

			// Greeting: VER, NMETHODS, METHODS...; accept no-auth.
			hdr := make([]byte, 2)
			if _, err := io.ReadFull(c, hdr); err != nil || hdr[0] != 5 {
				return
			}
			methods := make([]byte, int(hdr[1]))
			if _, err := io.ReadFull(c, methods); err != nil {
				return
			}
			if _, err := c.Write([]byte{5, 0}); err != nil {
				return
			}

			// Request: VER, CMD, RSV, ATYP, addr, port.
			req := make([]byte, 4)
			if _, err := io.ReadFull(c, req); err != nil {
				return
			}
			var skip int
			switch req[3] {
			case 1:
				skip = 4 + 2
			case 3:
				n := make([]byte, 1)
				if _, err := io.ReadFull(c, n); err != nil {
					return
				}
				skip = int(n[0]) + 2
			case 4:
				skip = 16 + 2
			default:
				return
			}
			if _, err := io.ReadFull(c, make([]byte, skip)); err != nil {
				return
			}
			if _, err := c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
				return
			}

			if stall {
				time.Sleep(5 * time.Second)
				return
			}

			// The "tunneled" HTTP exchange.
			if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
				return
			}
			fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
				httpCode, http.StatusText(httpCode))
		}(conn)
	}
}

// httpOpts builds fast test options for HTTP-mode runs. Each test gets
// its own port range so parallel tests cannot contend for ports.
func httpOpts(t *testing.T, launcher Launcher, portBase int) Options {
	t.Helper()
	return Options{
		Mode:           ModeHTTP,
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
		StartupGrace:   500 * time.Millisecond,
		TestURL:        "http://latency.invalid/generate_204",
		ConfigDir:      t.TempDir(),
		PortBase:       portBase,
		PortMax:        portBase + 99,
		Launcher:       launcher,
	}
}

// leftoverConfigs returns temp config files still present under dir.
func leftoverConfigs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
