package latency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"subman/internal/model"
)

// Sentinel errors for mapping probe failures onto statuses.
var (
	errTimeout  = errors.New("probe timed out")
	errConnect  = errors.New("connect failed")
	errRequest  = errors.New("request failed")
	errStartup  = errors.New("daemon startup failed")
	errResource = errors.New("resource allocation failed")
)

func statusFor(err error) model.ProbeStatus {
	switch {
	case err == nil:
		return model.StatusOK
	case errors.Is(err, context.Canceled):
		return model.StatusCancelled
	case errors.Is(err, errTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.StatusTimeout
	case errors.Is(err, errConnect):
		return model.StatusConnectFailed
	case errors.Is(err, errStartup):
		return model.StatusStartupFailed
	case errors.Is(err, errResource):
		return model.StatusResourceError
	default:
		return model.StatusRequestFailed
	}
}

// probeTCP measures wall-clock time to establish a raw connection to the
// node's own endpoint. A connect syscall cannot be interrupted mid-flight;
// its own timeout bounds it.
func probeTCP(node model.Node, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", node.Target(), timeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, fmt.Errorf("%w after %s: %v", errTimeout, timeout, err)
		}
		return 0, fmt.Errorf("%w: %v", errConnect, err)
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

// probeHTTP measures one GET through a freshly started daemon instance.
// The instance is torn down on every exit path; the cancellation token is
// observed between each step.
func probeHTTP(ctx context.Context, node model.Node, opts *Options, ports *portAlloc) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	in, err := startInstance(ctx, node, opts, ports)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return requestThrough(ctx, in.addr(), opts)
}

// requestThrough issues a single GET to the test URL via the SOCKS5
// listener at proxyAddr and measures time to response headers.
func requestThrough(ctx context.Context, proxyAddr string, opts *Options) (time.Duration, error) {
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: opts.ConnectTimeout})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errRequest, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return 0, fmt.Errorf("%w: socks dialer has no context support", errRequest)
	}

	transport := &http.Transport{
		DialContext:       contextDialer.DialContext,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: opts.RequestTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.TestURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errRequest, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, fmt.Errorf("%w after %s", errTimeout, opts.RequestTimeout)
		}
		return 0, fmt.Errorf("%w: %v", errRequest, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: unexpected status %s", errRequest, resp.Status)
	}
	return elapsed, nil
}
