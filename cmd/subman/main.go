package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"subman/internal/config"
	"subman/internal/latency"
	"subman/internal/metrics"
	"subman/internal/model"
	"subman/internal/store"
	"subman/internal/stunutil"
	"subman/internal/subscribe"
	"subman/internal/xray"
)

const usage = `subman - vmess subscription manager and latency tester

Usage:
  subman fetch [--config <path>] [--url <subscription-url>]
  subman list [--config <path>] [--sort name|tcp|http] [--desc]
  subman test [--config <path>] [--mode tcp|http] [--parallel N] [--node <name|index>]
  subman use [--config <path>] --node <name|index>
  subman active [--config <path>]
  subman stats [--config <path>] [--mode tcp|http]
  subman export csv [--config <path>] --out <file>
  subman doctor [--config <path>]

The config file defaults to ~/.config/subman/config.yaml.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "fetch":
		handleFetch(os.Args[2:])
	case "list":
		handleList(os.Args[2:])
	case "test":
		handleTest(os.Args[2:])
	case "use":
		handleUse(os.Args[2:])
	case "active":
		handleActive(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	url := fs.String("url", "", "subscription URL (persisted to config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *url != "" {
		cfg.SubscribeURL = *url
		if err := config.Save(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to persist subscription url: %v\n", err)
		}
	}
	if cfg.SubscribeURL == "" {
		fatal(errors.New("no subscription URL; pass --url once to set it"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	nodes, err := subscribe.Fetch(ctx, cfg.SubscribeURL)
	if err != nil {
		fatal(err)
	}

	regPath := config.RegistryPath(cfg)
	reg, err := store.LoadRegistry(regPath)
	if err != nil {
		fatal(err)
	}
	before := len(reg.Nodes)
	reg.Nodes = subscribe.Merge(reg.Nodes, nodes)
	if err := store.SaveRegistry(regPath, reg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "fetched %d nodes (was %d) -> %s\n", len(reg.Nodes), before, regPath)
}

func handleList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	sortCol := fs.String("sort", "", "sort column: name|tcp|http")
	desc := fs.Bool("desc", false, "sort descending")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	// Explicit sort flags become the new persisted preference; a plain
	// `subman list` keeps whatever was saved before.
	changed := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sort":
			cfg.SortColumn = *sortCol
			changed = true
		case "desc":
			cfg.SortDesc = *desc
			changed = true
		}
	})
	if changed {
		if err := config.Save(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to persist sort preference: %v\n", err)
		}
	}

	reg, err := store.LoadRegistry(config.RegistryPath(cfg))
	if err != nil {
		fatal(err)
	}
	if len(reg.Nodes) == 0 {
		fmt.Fprintln(os.Stdout, "no nodes; run `subman fetch` first")
		return
	}

	activeIdx := -1
	if active, ok := xray.ReadActiveNode(cfg.XrayConfigPath); ok {
		if i, ok := xray.FindActiveIndex(reg.Nodes, active); ok {
			activeIdx = i
		}
	}

	fmt.Fprintf(os.Stdout, "%-4s %-1s %-28s %-28s %-14s %-14s\n",
		"#", "", "NAME", "ADDRESS", "TCP", "HTTP")
	for _, i := range store.SortIndexes(reg.Nodes, cfg.SortColumn, cfg.SortDesc) {
		n := reg.Nodes[i]
		marker := ""
		if i == activeIdx {
			marker = "*"
		}
		fmt.Fprintf(os.Stdout, "%-4d %-1s %-28s %-28s %-14s %-14s\n",
			i+1, marker, clip(n.DisplayName(), 28), clip(n.Target(), 28), n.TCP, n.HTTP)
	}
}

func handleTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	mode := fs.String("mode", "tcp", "test mode: tcp|http")
	parallel := fs.Int("parallel", 0, "max concurrent probes (default from config)")
	nodeRef := fs.String("node", "", "test a single node by name or index")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	testMode, err := latency.ParseMode(*mode)
	if err != nil {
		fatal(err)
	}

	regPath := config.RegistryPath(cfg)
	reg, err := store.LoadRegistry(regPath)
	if err != nil {
		fatal(err)
	}
	if len(reg.Nodes) == 0 {
		fatal(errors.New("no nodes; run `subman fetch` first"))
	}

	// targets maps run indexes back to registry indexes so a single-node
	// test still lands on the right registry entry.
	targets := make([]int, 0, len(reg.Nodes))
	if *nodeRef != "" {
		i, err := reg.Find(*nodeRef)
		if err != nil {
			fatal(err)
		}
		targets = append(targets, i)
	} else {
		for i := range reg.Nodes {
			targets = append(targets, i)
		}
	}
	runNodes := make([]model.Node, len(targets))
	for i, t := range targets {
		runNodes[i] = reg.Nodes[t]
	}

	parallelism := cfg.Parallelism
	if *parallel > 0 {
		parallelism = *parallel
	}

	run, err := latency.Start(runNodes, latency.Options{
		Mode:           testMode,
		Parallelism:    parallelism,
		ConnectTimeout: cfg.ConnectTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		StartupGrace:   cfg.StartupGrace(),
		TestURL:        cfg.TestURL,
		XrayBin:        cfg.XrayBin,
		PortBase:       cfg.PortBase,
		PortMax:        cfg.PortMax,
	})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		run.Cancel()
	}()

	done := 0
	for out := range run.Results() {
		done++
		switch out.Status {
		case model.StatusOK:
			fmt.Fprintf(os.Stdout, "[%d/%d] %-28s %s %dms\n",
				done, len(runNodes), clip(out.Name, 28), out.Mode, out.Duration.Milliseconds())
		case model.StatusCancelled:
			fmt.Fprintf(os.Stdout, "[%d/%d] %-28s %s cancelled\n",
				done, len(runNodes), clip(out.Name, 28), out.Mode)
		default:
			fmt.Fprintf(os.Stdout, "[%d/%d] %-28s %s %s\n",
				done, len(runNodes), clip(out.Name, 28), out.Mode, out.Status)
		}
		if out.Status != model.StatusCancelled {
			reg.ApplyResult(targets[out.Index], string(testMode), out.Latency())
		}
	}

	if err := store.SaveRegistry(regPath, reg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "tested %d/%d nodes, results saved\n", done, len(runNodes))
}

func handleUse(args []string) {
	fs := flag.NewFlagSet("use", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	nodeRef := fs.String("node", "", "node name or index")
	_ = fs.Parse(args)

	if *nodeRef == "" {
		fatal(errors.New("--node is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	reg, err := store.LoadRegistry(config.RegistryPath(cfg))
	if err != nil {
		fatal(err)
	}

	i, err := reg.Find(*nodeRef)
	if err != nil {
		fatal(err)
	}
	node := reg.Nodes[i]

	if err := xray.WriteConfig(node, cfg.XrayConfigPath, xray.DefaultSocksPort); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s for node %s\n", cfg.XrayConfigPath, node.DisplayName())

	res, err := xray.NewService(nil).Reload()
	if err != nil {
		fatal(fmt.Errorf("config written but reload failed: %w", err))
	}
	fmt.Fprintf(os.Stdout, "xray reloaded (pid %d -> %d)\n", res.OldPID, res.NewPID)
}

func handleActive(args []string) {
	fs := flag.NewFlagSet("active", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	active, ok := xray.ReadActiveNode(cfg.XrayConfigPath)
	if !ok {
		fmt.Fprintln(os.Stdout, "no active node (xray config missing or not vmess)")
		return
	}

	reg, err := store.LoadRegistry(config.RegistryPath(cfg))
	if err != nil {
		fatal(err)
	}
	if i, ok := xray.FindActiveIndex(reg.Nodes, active); ok {
		n := reg.Nodes[i]
		fmt.Fprintf(os.Stdout, "active: #%d %s (%s) tcp=%s http=%s\n",
			i+1, n.DisplayName(), n.Target(), n.TCP, n.HTTP)
		return
	}
	fmt.Fprintf(os.Stdout, "active endpoint %s:%d is not in the registry\n", active.Address, active.Port)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	mode := fs.String("mode", "tcp", "measurement column: tcp|http")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	reg, err := store.LoadRegistry(config.RegistryPath(cfg))
	if err != nil {
		fatal(err)
	}

	s := metrics.Summarize(reg.Nodes, *mode)
	fmt.Fprintf(os.Stdout, "nodes=%d measured=%d failed=%d\n", s.Nodes, s.Measured, s.Failed)
	if s.Measured > 0 {
		fmt.Fprintf(os.Stdout, "avg=%.1fms p95=%.1fms min=%dms max=%dms\n",
			s.AvgMs, s.P95Ms, s.MinMs, s.MaxMs)
	}
}

func handleExport(args []string) {
	if len(args) == 0 || args[0] != "csv" {
		fmt.Fprintln(os.Stderr, "usage: subman export csv --out <file>")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	out := fs.String("out", "", "output file")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	reg, err := store.LoadRegistry(config.RegistryPath(cfg))
	if err != nil {
		fatal(err)
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	if err := metrics.WriteCSV(f, reg.Nodes); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d nodes to %s\n", len(reg.Nodes), *out)
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	ok := true

	if path, err := exec.LookPath(cfg.XrayBin); err == nil {
		fmt.Fprintf(os.Stdout, "ok   xray binary: %s\n", path)
	} else {
		fmt.Fprintf(os.Stdout, "FAIL xray binary %q not found in PATH\n", cfg.XrayBin)
		ok = false
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
		probe := filepath.Join(cfg.DataDir, ".doctor")
		if err := os.WriteFile(probe, nil, 0o644); err == nil {
			os.Remove(probe)
			fmt.Fprintf(os.Stdout, "ok   data dir writable: %s\n", cfg.DataDir)
		} else {
			fmt.Fprintf(os.Stdout, "FAIL data dir not writable: %v\n", err)
			ok = false
		}
	} else {
		fmt.Fprintf(os.Stdout, "FAIL data dir: %v\n", err)
		ok = false
	}

	ctx, cancel := signalContext()
	defer cancel()
	if res, err := stunutil.Discover(ctx, cfg.STUNServers, 5*time.Second); err == nil {
		fmt.Fprintf(os.Stdout, "ok   public addr %s nat=%s\n", res.PublicAddr, res.NATType)
		if res.NATType == stunutil.NATTypeSymmetric {
			fmt.Fprintln(os.Stdout, "note symmetric NAT; UDP-dependent nodes may behave worse than probes suggest")
		}
	} else {
		fmt.Fprintf(os.Stdout, "warn STUN discovery failed: %v\n", err)
	}

	if !ok {
		os.Exit(1)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
