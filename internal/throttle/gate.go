// Package throttle implements the process-wide admission gate for
// analysis queries.
//
// The gate uses a semaphore pattern to cap simultaneously in-flight
// queries, preventing the database and the host process from being
// overwhelmed by a burst of analyses. A slot is held for the entire
// retry sequence of one query, not re-acquired per attempt. Imports do
// not take slots; they run on a dedicated connection outside the pool.
//
// The gate also supports graceful shutdown via WaitForDrain, which
// blocks until all admitted queries complete.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyQueries is returned when all slots are occupied and the
// wait timeout expires. Callers should retry after a short delay.
var ErrTooManyQueries = errors.New("too many concurrent queries, please try again later")

// DefaultMaxConcurrent is the default cap on in-flight queries.
const DefaultMaxConcurrent = 3

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 5 * time.Minute

// Gate controls concurrent query execution using a semaphore pattern.
type Gate struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewGate creates a gate admitting at most maxConcurrent simultaneous
// queries. Callers that cannot acquire a slot within maxWait receive
// ErrTooManyQueries.
func NewGate(maxConcurrent int, maxWait time.Duration) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &Gate{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// Acquire attempts to acquire a query slot.
// Returns nil on success, ErrTooManyQueries if the timeout expires.
// The caller MUST call Release() when the query completes (use defer).
func (g *Gate) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	select {
	case g.semaphore <- struct{}{}:
		g.mu.Lock()
		g.active++
		g.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		// Distinguish caller cancellation from slot timeout
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyQueries
	}
}

// TryAcquire attempts to acquire a slot without blocking.
// Returns true if a slot was acquired, false otherwise.
func (g *Gate) TryAcquire() bool {
	select {
	case g.semaphore <- struct{}{}:
		g.mu.Lock()
		g.active++
		g.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire/TryAcquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()

	<-g.semaphore
}

// ActiveCount returns the number of currently admitted queries.
func (g *Gate) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// MaxConcurrent returns the admission cap.
func (g *Gate) MaxConcurrent() int {
	return cap(g.semaphore)
}

// Available returns the number of free slots.
func (g *Gate) Available() int {
	return cap(g.semaphore) - len(g.semaphore)
}

// WaitForDrain blocks until all admitted queries complete or the
// context is cancelled. Used at shutdown so in-flight analyses finish
// before the pool is torn down.
func (g *Gate) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.ActiveCount() == 0 {
				return nil
			}
		}
	}
}
