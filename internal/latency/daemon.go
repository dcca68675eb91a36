package latency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"subman/internal/model"
	"subman/internal/xray"
)

// Process is a handle to a launched daemon instance.
type Process interface {
	Kill() error
}

// Launcher starts one proxy daemon process for a single probe. It exists
// for the same reason as execx.Runner: lifecycle tests run against fakes
// instead of a real xray binary.
type Launcher interface {
	Launch(ctx context.Context, configPath string) (Process, error)
}

// execLauncher runs `xray run -c <config>` with output discarded.
type execLauncher struct {
	bin string
}

type execProcess struct {
	cmd *exec.Cmd
}

func (l execLauncher) Launch(ctx context.Context, configPath string) (Process, error) {
	cmd := exec.Command(l.bin, "run", "-c", configPath)
	// Stdout/Stderr left nil: os/exec wires them to the null device.
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	// Reap so the dead instance does not linger as a zombie.
	_ = p.cmd.Wait()
	return nil
}

// instance is one ephemeral daemon: its process, SOCKS port, and temp
// config file. Close releases all three and is safe on every exit path.
type instance struct {
	proc    Process
	port    int
	cfgPath string
	ports   *portAlloc
}

// startInstance writes a per-node config, launches the daemon, and waits
// for its SOCKS listener to come up. On any failure everything acquired
// so far is released before returning.
func startInstance(ctx context.Context, node model.Node, opts *Options, ports *portAlloc) (*instance, error) {
	port, err := ports.acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errResource, err)
	}

	cfgPath := filepath.Join(opts.ConfigDir, fmt.Sprintf("subman_test_%d.json", port))
	if err := xray.WriteConfig(node, cfgPath, port); err != nil {
		ports.release(port)
		return nil, fmt.Errorf("%w: %v", errResource, err)
	}

	proc, err := opts.Launcher.Launch(ctx, cfgPath)
	if err != nil {
		os.Remove(cfgPath)
		ports.release(port)
		return nil, fmt.Errorf("%w: %v", errStartup, err)
	}

	in := &instance{proc: proc, port: port, cfgPath: cfgPath, ports: ports}
	if !in.awaitReady(ctx, opts.StartupGrace) {
		in.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no listener on port %d within %s", errStartup, port, opts.StartupGrace)
	}
	return in, nil
}

// awaitReady polls the instance's SOCKS port until it accepts or the
// grace period (or the run) ends.
func (in *instance) awaitReady(ctx context.Context, grace time.Duration) bool {
	const interval = 100 * time.Millisecond
	deadline := time.Now().Add(grace)
	addr := in.addr()

	for {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			conn.Close()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

func (in *instance) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", in.port)
}

// Close terminates the process, removes the temp config, and returns the
// port to the allocator. Idempotent enough for defer plus early paths.
func (in *instance) Close() {
	if in.proc != nil {
		_ = in.proc.Kill()
		in.proc = nil
	}
	if in.cfgPath != "" {
		os.Remove(in.cfgPath)
		in.cfgPath = ""
	}
	if in.ports != nil {
		in.ports.release(in.port)
		in.ports = nil
	}
}
