// Package coarsetime caches time.Now() behind an atomic so hot paths
// that only need second-scale precision (an endpoint's idle-probe
// check, spec.md §4.C) don't pay a syscall per check.
package coarsetime

import (
	"context"
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var cached atomic.Value

// Start launches the background refresh goroutine and blocks until the
// first sample is in place. The goroutine stops when ctx is done, so a
// service's coarse clock shares the lifetime of the agent process that
// started it (cmd/meshagent's signal.NotifyContext) instead of running
// for the life of the binary regardless of whether anything asked it
// to. Safe to call more than once; each call starts its own refresh
// goroutine, which runs until that call's ctx is done.
func Start(ctx context.Context) {
	cached.Store(time.Now())

	ticker := time.NewTicker(tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				cached.Store(t)
			}
		}
	}()
}

// Now returns the most recently cached time. Before Start has been
// called it falls back to a live time.Now() rather than returning a
// zero Time, so callers never need a nil/zero check on startup order.
func Now() time.Time {
	if v := cached.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Now()
}
