package work

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsJobs(t *testing.T) {
	e := NewExecutor(zerolog.Nop())

	var ran atomic.Bool
	done := make(chan struct{})
	ok := e.Go("job", func() {
		ran.Store(true)
		close(done)
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	assert.True(t, ran.Load())
}

func TestExecutor_RecoversPanics(t *testing.T) {
	e := NewExecutor(zerolog.Nop())

	require.True(t, e.Go("panics", func() { panic("boom") }))

	// Stop drains the panicked goroutine; the test process survives.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, e.Stop(ctx))
}

func TestExecutor_StopDrainsRunningJobs(t *testing.T) {
	e := NewExecutor(zerolog.Nop())

	var finished atomic.Bool
	started := make(chan struct{})
	require.True(t, e.Go("slow", func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	assert.True(t, finished.Load(), "Stop returns only after running jobs finish")
}

func TestExecutor_StopTimesOut(t *testing.T) {
	e := NewExecutor(zerolog.Nop())

	release := make(chan struct{})
	defer close(release)
	require.True(t, e.Go("stuck", func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Stop(ctx), context.DeadlineExceeded)
}

func TestExecutor_RejectsJobsAfterStop(t *testing.T) {
	e := NewExecutor(zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	assert.False(t, e.Go("late", func() {}), "jobs after Stop are rejected")
}
