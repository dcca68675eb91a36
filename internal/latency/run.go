// Package latency is the concurrent reachability/latency engine. A test
// run fans a node list out to bounded-parallel probes: direct TCP
// connects, or HTTP requests carried through a short-lived, isolated
// proxy daemon instance per node. Runs are cancellable mid-flight and
// every dispatched node yields exactly one outcome.
package latency

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"subman/internal/model"
)

// Mode selects the probe strategy for a test run.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeHTTP Mode = "http"
)

// ParseMode validates a user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTCP, ModeHTTP:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown test mode %q (want tcp or http)", s)
	}
}

// Options configures a test run. Zero values fall back to defaults.
type Options struct {
	Mode        Mode
	Parallelism int

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	StartupGrace   time.Duration

	TestURL   string
	XrayBin   string
	ConfigDir string
	PortBase  int
	PortMax   int

	// Launcher overrides how daemon instances are started. Nil means
	// exec'ing XrayBin. Tests substitute fakes here.
	Launcher Launcher
}

func (o *Options) applyDefaults() {
	if o.Mode == "" {
		o.Mode = ModeTCP
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.StartupGrace <= 0 {
		o.StartupGrace = 2 * time.Second
	}
	if o.TestURL == "" {
		o.TestURL = "http://www.gstatic.com/generate_204"
	}
	if o.XrayBin == "" {
		o.XrayBin = "xray"
	}
	if o.ConfigDir == "" {
		o.ConfigDir = os.TempDir()
	}
	if o.PortBase <= 0 {
		o.PortBase = 10800
	}
	if o.PortMax <= 0 || o.PortMax < o.PortBase {
		o.PortMax = 60000
	}
	if o.Launcher == nil {
		o.Launcher = execLauncher{bin: o.XrayBin}
	}
}

// Outcome is the immutable result of one probe. Exactly one is emitted
// per dispatched node; consumers key by Index, not arrival order.
type Outcome struct {
	Index    int
	Name     string
	Mode     Mode
	Duration time.Duration
	Status   model.ProbeStatus
	Err      error
}

// Latency converts the outcome to the registry's measurement form.
func (o Outcome) Latency() model.Latency {
	l := model.Latency{Status: o.Status}
	if o.Status == model.StatusOK {
		l.Millis = o.Duration.Milliseconds()
	}
	return l
}

// Run is one in-flight test pass. It is one-shot: Results drains to
// completion exactly once, and a new Run must be started for another pass.
type Run struct {
	results chan Outcome
	cancel  context.CancelFunc
}

// Start begins probing nodes under opts and returns immediately. The only
// run-level failures are setup problems; individual probe failures are
// reported as outcomes on the results channel.
func Start(nodes []model.Node, opts Options) (*Run, error) {
	opts.applyDefaults()

	if opts.Mode == ModeHTTP {
		if err := os.MkdirAll(opts.ConfigDir, 0o755); err != nil {
			return nil, fmt.Errorf("create config dir: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{
		// Buffered for the whole node set so in-flight probes can always
		// deliver their outcome, even if the consumer stops early.
		results: make(chan Outcome, len(nodes)),
		cancel:  cancel,
	}

	go r.dispatch(ctx, nodes, &opts)
	return r, nil
}

// Results returns the stream of outcomes. It is closed once every
// dispatched probe has reported.
func (r *Run) Results() <-chan Outcome {
	return r.results
}

// Cancel stops dispatching new probes and asks in-flight probes to wind
// down at their next check point. Safe to call multiple times.
func (r *Run) Cancel() {
	r.cancel()
}

func (r *Run) dispatch(ctx context.Context, nodes []model.Node, opts *Options) {
	defer r.cancel()
	defer close(r.results)

	ports := newPortAlloc(opts.PortBase, opts.PortMax)
	sem := make(chan struct{}, opts.Parallelism)
	var wg sync.WaitGroup

	for i, node := range nodes {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, node model.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			r.results <- r.probe(ctx, i, node, opts, ports)
		}(i, node)
	}

	wg.Wait()
}

func (r *Run) probe(ctx context.Context, i int, node model.Node, opts *Options, ports *portAlloc) Outcome {
	out := Outcome{Index: i, Name: node.DisplayName(), Mode: opts.Mode}

	if err := ctx.Err(); err != nil {
		out.Status = model.StatusCancelled
		out.Err = err
		return out
	}

	var err error
	switch opts.Mode {
	case ModeHTTP:
		out.Duration, err = probeHTTP(ctx, node, opts, ports)
	default:
		out.Duration, err = probeTCP(node, opts.ConnectTimeout)
	}

	out.Status = statusFor(err)
	out.Err = err
	return out
}
