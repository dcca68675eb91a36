package latency

import (
	"fmt"
	"net"
	"sync"
)

// portAlloc hands out local SOCKS ports for ephemeral daemon instances.
// Allocation is race-free across concurrent probes within one run: a port
// stays reserved until released, and candidates are bind-checked so a
// port held by something else on the host is skipped.
type portAlloc struct {
	mu    sync.Mutex
	next  int
	base  int
	max   int
	inUse map[int]bool
}

func newPortAlloc(base, max int) *portAlloc {
	return &portAlloc{next: base, base: base, max: max, inUse: make(map[int]bool)}
}

func (a *portAlloc) acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for tries := a.max - a.base + 1; tries > 0; tries-- {
		p := a.next
		a.next++
		if a.next > a.max {
			a.next = a.base
		}
		if a.inUse[p] || !bindable(p) {
			continue
		}
		a.inUse[p] = true
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", a.base, a.max)
}

func (a *portAlloc) release(p int) {
	a.mu.Lock()
	delete(a.inUse, p)
	a.mu.Unlock()
}

func bindable(p int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
