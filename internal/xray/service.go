package xray

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"subman/internal/execx"
)

// Service controls the long-running xray daemon on this host. It is
// injectable for unit tests; the ephemeral per-probe instances in the
// latency package never go through here.
type Service struct {
	r execx.Runner

	// Reload polling knobs; zero values mean the defaults.
	PollInterval time.Duration
	PollAttempts int
}

func NewService(r execx.Runner) *Service {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Service{r: r}
}

// PID returns the PID of the running xray service, if any.
func (s *Service) PID() (int, error) {
	out, err := s.r.Output("pgrep", "xray")
	if err != nil {
		return 0, fmt.Errorf("xray process not found")
	}
	first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("unexpected pgrep output %q", out)
	}
	return pid, nil
}

// ReloadResult reports the service restart observed after a reload.
type ReloadResult struct {
	OldPID int
	NewPID int
}

// Reload asks the running xray service to pick up a new config by sending
// SIGHUP, then polls until the PID changes. xray handles HUP by re-execing
// itself, so an unchanged PID after the window means the reload failed.
func (s *Service) Reload() (ReloadResult, error) {
	oldPID, err := s.PID()
	if err != nil {
		return ReloadResult{}, err
	}

	if err := s.r.Run("kill", "-HUP", strconv.Itoa(oldPID)); err != nil {
		return ReloadResult{}, fmt.Errorf("send HUP to xray (pid %d): %w", oldPID, err)
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	attempts := s.PollAttempts
	if attempts <= 0 {
		attempts = 6
	}

	for i := 0; i < attempts; i++ {
		time.Sleep(interval)
		newPID, err := s.PID()
		if err != nil {
			// Old process gone, replacement not up yet. Keep waiting.
			continue
		}
		if newPID != oldPID {
			return ReloadResult{OldPID: oldPID, NewPID: newPID}, nil
		}
	}

	return ReloadResult{}, fmt.Errorf("xray pid unchanged (%d) after reload window", oldPID)
}
