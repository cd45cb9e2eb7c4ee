package receiving

import (
	"context"
	"sync"
	"sync/atomic"

	"postal/internal/envelope"
	"postal/internal/logger"
	apperrors "postal/pkg/errors"
	"postal/pkg/metrics"
)

// workQueue is a bounded channel drained by a fixed set of workers.
//
// No lock is ever held across a blocking send. Producers leave through the
// stopping channel once close is called, and items is closed only after the
// last of them is gone. Envelopes handed back by a worker go to an unbounded
// side list so a handler can never wait on its own queue.
type workQueue struct {
	name   string
	items  chan *envelope.Envelope
	handle func(ctx context.Context, env *envelope.Envelope)
	log    logger.Logger

	mu       sync.Mutex
	closed   bool
	finished bool
	requeued []*envelope.Envelope
	stopping chan struct{}

	live      atomic.Int32
	producers sync.WaitGroup
	workers   sync.WaitGroup
}

func newWorkQueue(name string, capacity int, handle func(ctx context.Context, env *envelope.Envelope), log logger.Logger) *workQueue {
	return &workQueue{
		name:     name,
		items:    make(chan *envelope.Envelope, capacity),
		handle:   handle,
		log:      log,
		stopping: make(chan struct{}),
	}
}

func (q *workQueue) start(ctx context.Context, workers int) {
	q.workers.Add(workers)
	q.live.Add(int32(workers))
	for i := 0; i < workers; i++ {
		go q.work(ctx)
	}
}

func (q *workQueue) work(ctx context.Context) {
	defer q.workers.Done()
	defer q.retire(ctx)

	for {
		if env, ok := q.popRequeued(); ok {
			q.safeHandle(ctx, env)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case env, ok := <-q.items:
			if !ok {
				if env, ok := q.popRequeued(); ok {
					q.safeHandle(ctx, env)
					continue
				}
				return
			}
			metrics.SetQueueSize(q.name, len(q.items))
			q.safeHandle(ctx, env)
		}
	}
}

// retire marks the queue finished when the last worker leaves. Anything still
// on the side list then belongs to recovery.
func (q *workQueue) retire(ctx context.Context) {
	if q.live.Add(-1) > 0 {
		return
	}
	q.mu.Lock()
	q.finished = true
	left := len(q.requeued)
	q.requeued = nil
	q.mu.Unlock()

	if left > 0 {
		q.log.WarnwCtx(ctx, "Workers stopped with requeued envelopes, left for recovery", "endpoint", q.name, "count", left)
	}
}

func (q *workQueue) popRequeued() (*envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requeued) == 0 {
		return nil, false
	}
	env := q.requeued[0]
	q.requeued[0] = nil
	q.requeued = q.requeued[1:]
	return env, true
}

func (q *workQueue) safeHandle(ctx context.Context, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			err := apperrors.RecoverPanic(r)
			q.log.ErrorwCtx(ctx, "Dispatch panicked", "envelope_id", env.ID, "error", err)
		}
	}()
	q.handle(ctx, env)
}

// post blocks while the queue is full, until close or ctx cancellation.
func (q *workQueue) post(ctx context.Context, env *envelope.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrDraining
	}
	q.producers.Add(1)
	q.mu.Unlock()
	defer q.producers.Done()

	select {
	case q.items <- env:
		metrics.SetQueueSize(q.name, len(q.items))
		return nil
	case <-q.stopping:
		return ErrDraining
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requeue never blocks the caller, which is usually a worker of this queue.
// It keeps working during a drain for as long as workers are running.
func (q *workQueue) requeue(ctx context.Context, env *envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finished {
		q.log.DebugwCtx(ctx, "Queue stopped, envelope left for recovery", "envelope_id", env.ID)
		return
	}
	if !q.closed {
		select {
		case q.items <- env:
			return
		default:
		}
	}
	q.requeued = append(q.requeued, env)
}

// close stops intake. Items already queued or requeued are still handed to
// workers.
func (q *workQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stopping)
	q.mu.Unlock()

	q.producers.Wait()
	close(q.items)
}

// wait blocks until every worker has finished.
func (q *workQueue) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		metrics.SetQueueSize(q.name, 0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *workQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.requeued)
}
