// Package ports allocates host ports for database instances out of a fixed
// pool, reconciled against whatever the state store already has in use.
package ports

import (
	"sync"

	"github.com/datify-sh/datify/internal/apperr"
)

// Store is the subset of the state store the allocator needs to reconcile
// its in-memory view against durable truth at startup.
type Store interface {
	AllocatedPorts() ([]int, error)
}

// Allocator hands out host ports in [low, high], backed by an in-memory
// bitmap reconciled from the store on construction. It does not itself
// persist allocations — callers own that as part of the instance record.
type Allocator struct {
	mu       sync.Mutex
	low      int
	high     int
	inUse    map[int]bool
}

// New builds an Allocator over [low, high] inclusive, pre-marking ports
// already recorded as in use by store.
func New(low, high int, store Store) (*Allocator, error) {
	if high < low {
		return nil, apperr.Newf(apperr.CodeInvalidConfig, "port pool range [%d, %d] is empty", low, high)
	}

	a := &Allocator{low: low, high: high, inUse: make(map[int]bool)}

	allocated, err := store.AllocatedPorts()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreError, "load allocated ports", err)
	}
	for _, p := range allocated {
		if p >= low && p <= high {
			a.inUse[p] = true
		}
	}
	return a, nil
}

// Acquire reserves and returns the lowest free port in the pool.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.low; p <= a.high; p++ {
		if !a.inUse[p] {
			a.inUse[p] = true
			return p, nil
		}
	}
	return 0, apperr.New(apperr.CodePortExhausted, "no free ports in pool")
}

// Release returns a port to the pool. Releasing a port not currently held is
// a no-op, since instance deletion and port release can race with restarts.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// Reserve marks a specific port as in use without going through the
// lowest-free search, used when restoring a known allocation (e.g.
// re-attaching to an already-running container on daemon restart).
func (a *Allocator) Reserve(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.low || port > a.high {
		return apperr.Newf(apperr.CodeInvalidConfig, "port %d outside pool range [%d, %d]", port, a.low, a.high)
	}
	if a.inUse[port] {
		return apperr.Newf(apperr.CodeConflictingState, "port %d already reserved", port)
	}
	a.inUse[port] = true
	return nil
}

// InUseCount returns the number of currently allocated ports, for metrics.
func (a *Allocator) InUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Capacity returns the total pool size.
func (a *Allocator) Capacity() int {
	return a.high - a.low + 1
}
