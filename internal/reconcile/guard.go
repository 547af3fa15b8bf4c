// Package reconcile arbitrates racing terminal writes on export jobs
// across clients and processes. The store's conditional transitions are
// the source of truth; the guard adds per-job serialization inside one
// process so cancel, completion, and download agree on ordering.
package reconcile

import (
	"fmt"
	"sync"

	"github.com/histoseg/platform/internal/domain"
)

// Guard provides a mutex per job id. Lock striping is not worth it here;
// jobs are few and long-lived, so the map stays small and entries are
// dropped when the last holder releases.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sync.Mutex
	refs int
}

// NewGuard constructs an empty guard.
func NewGuard() *Guard {
	return &Guard{locks: map[string]*entry{}}
}

// Lock acquires the job's mutex and returns its release func.
func (g *Guard) Lock(jobID string) func() {
	g.mu.Lock()
	e, ok := g.locks[jobID]
	if !ok {
		e = &entry{}
		g.locks[jobID] = e
	}
	e.refs++
	g.mu.Unlock()

	e.Mutex.Lock()
	return func() {
		e.Mutex.Unlock()
		g.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(g.locks, jobID)
		}
		g.mu.Unlock()
	}
}

// TerminalStatus re-reads the job's status under its lock. Download and
// cancel call this instead of trusting a status snapshot carried across a
// race window.
func (g *Guard) TerminalStatus(ctx domain.Context, store domain.Store, jobID string) (domain.ExportStatus, error) {
	defer g.Lock(jobID)()
	status, err := store.Exports().Status(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("op=reconcile.TerminalStatus: %w", err)
	}
	return status, nil
}
