// Package work runs fire-and-forget background jobs with panic recovery
// and a bounded drain at shutdown.
package work

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Executor tracks detached goroutines so the server can drain them on
// shutdown instead of killing half-written imports.
type Executor struct {
	log zerolog.Logger
	wg  sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewExecutor creates a background job executor
func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{
		log: log.With().Str("component", "work").Logger(),
	}
}

// Go runs fn in a background goroutine. The name is used for logging only.
// Returns false if the executor has already been stopped.
func (e *Executor) Go(name string, fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.log.Warn().Str("job", name).Msg("Executor stopped, job rejected")
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Str("job", name).Interface("panic", r).Msg("Background job panicked")
			}
		}()

		start := time.Now()
		e.log.Debug().Str("job", name).Msg("Background job started")
		fn()
		e.log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Background job finished")
	}()

	return true
}

// Stop rejects new jobs and waits for running ones to finish, up to the
// context deadline.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.log.Warn().Msg("Timed out waiting for background jobs")
		return ctx.Err()
	}
}
