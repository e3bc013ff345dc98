// Package replay tracks which payment references have already been
// redeemed, enforcing at most one first redemption per reference under
// arbitrary concurrency.
package replay

import (
	"context"
	"sync"
	"time"
)

// Guard is the redemption set shared by all in-flight requests.
type Guard interface {
	// TryRedeem atomically checks and marks the reference as redeemed.
	// Exactly one concurrent caller for a given reference observes
	// first == true. A marked redemption is never rolled back.
	TryRedeem(ctx context.Context, reference string) (first bool, err error)

	Close() error
}

// MemoryGuard is a mutex-protected in-process redemption set for
// single-instance deployments. Entries older than the retention window are
// pruned; a reference that old is rejected as stale by the verifier before
// the replay check runs, so pruning cannot re-open a replay window.
type MemoryGuard struct {
	mu        sync.Mutex
	redeemed  map[string]time.Time
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewMemoryGuard creates a guard that retains redemptions for at least the
// given window.
func NewMemoryGuard(retention time.Duration) *MemoryGuard {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &MemoryGuard{
		redeemed:  make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// TryRedeem implements Guard. The lock is held only for the instant of the
// check-and-mark, never across a network call.
func (g *MemoryGuard) TryRedeem(_ context.Context, reference string) (bool, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastPrune) > g.retention {
		for ref, at := range g.redeemed {
			if now.Sub(at) > g.retention {
				delete(g.redeemed, ref)
			}
		}
		g.lastPrune = now
	}

	if _, ok := g.redeemed[reference]; ok {
		return false, nil
	}
	g.redeemed[reference] = now
	return true, nil
}

func (g *MemoryGuard) Close() error { return nil }

// Len reports the current number of retained redemptions.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.redeemed)
}
