package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline[T any](t *testing.T, ctx context.Context, workers int, op Operation[T]) *Pipeline[T] {
	t.Helper()
	return NewPipeline(ctx, PipelineConfig{Name: t.Name(), Workers: workers, Policy: fastPolicy()}, op, nil)
}

func TestPipeline_ProcessesEveryItem(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	var seen []int
	p := newTestPipeline(t, context.Background(), 1, func(_ context.Context, n int) error {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Post(i))
	}
	require.NoError(t, p.Drain(context.Background()))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.Equal(t, 0, p.Pending())
}

func TestPipeline_RetriesTransientFailures(t *testing.T) {
	defer leaktest.Check(t)()

	var calls atomic.Int32
	p := newTestPipeline(t, context.Background(), 2, func(_ context.Context, _ string) error {
		if calls.Add(1) < 4 {
			return errors.New("database unavailable")
		}
		return nil
	})

	require.NoError(t, p.Post("x"))
	require.NoError(t, p.Drain(context.Background()))
	assert.EqualValues(t, 4, calls.Load())
}

func TestPipeline_PermanentErrorNotRetried(t *testing.T) {
	defer leaktest.Check(t)()

	var calls atomic.Int32
	p := newTestPipeline(t, context.Background(), 1, func(_ context.Context, _ string) error {
		calls.Add(1)
		return NewFatalError(errors.New("constraint violated"))
	})

	require.NoError(t, p.Post("x"))
	require.NoError(t, p.Drain(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
}

func TestPipeline_PostAfterDrain(t *testing.T) {
	defer leaktest.Check(t)()

	p := newTestPipeline(t, context.Background(), 1, func(context.Context, int) error { return nil })
	require.NoError(t, p.Drain(context.Background()))

	assert.ErrorIs(t, p.Post(1), ErrPipelineClosed)
	assert.NoError(t, p.Drain(context.Background()))
}

func TestPipeline_DisposeAbandonsPending(t *testing.T) {
	defer leaktest.Check(t)()

	started := make(chan struct{})
	var calls atomic.Int32
	p := newTestPipeline(t, context.Background(), 1, func(ctx context.Context, _ int) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Post(i))
	}
	<-started
	p.Dispose()

	assert.Equal(t, 0, p.Pending())
	assert.NoError(t, p.Drain(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
}

func TestPipeline_ParentCancellationStopsRetrying(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPipeline(t, ctx, 1, func(context.Context, int) error {
		return errors.New("always failing")
	})
	require.NoError(t, p.Post(1))

	time.Sleep(20 * time.Millisecond)
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	assert.NoError(t, p.Drain(drainCtx))
}

func TestPipeline_DrainBoundedByContext(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	p := newTestPipeline(t, context.Background(), 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, p.Post(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, p.Drain(context.Background()))
}
