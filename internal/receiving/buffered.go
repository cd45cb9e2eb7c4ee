package receiving

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/persistence"
	"postal/internal/scheduling"
)

// Buffered keeps envelopes in a bounded in-memory queue served by
// MaxParallelism workers. Nothing survives a restart.
type Buffered struct {
	dispatcher
	store persistence.Store
	queue *workQueue
	timer *scheduling.Timer

	draining  atomic.Bool
	drainOnce sync.Once
	drainErr  error
}

func NewBuffered(ctx context.Context, opts Options) *Buffered {
	opts.withDefaults()

	r := &Buffered{
		dispatcher: newDispatcher(opts),
		store:      opts.Store,
	}
	r.queue = newWorkQueue(opts.Address, opts.QueueCapacity, r.dispatch, opts.Logger)
	r.timer = scheduling.NewTimer(ctx, opts.Address, r.fire, opts.Logger)
	r.queue.start(ctx, opts.MaxParallelism)
	return r
}

func (r *Buffered) Address() string {
	return r.address
}

func (r *Buffered) Receive(ctx context.Context, l Listener, env *envelope.Envelope) error {
	return r.ReceiveBatch(ctx, l, []*envelope.Envelope{env})
}

func (r *Buffered) ReceiveBatch(ctx context.Context, l Listener, envs []*envelope.Envelope) error {
	if r.draining.Load() {
		r.deferToListener(ctx, l, envs)
		return ErrDraining
	}

	r.accept(l, constants.ModeBuffered, envs...)
	for i, env := range envs {
		if env.Status == envelope.StatusScheduled {
			r.timer.Enqueue(*env.ScheduledTime, env)
			continue
		}
		if err := r.Enqueue(ctx, env); err != nil {
			// Members before i are already queued here; only the rest go back.
			if i > 0 {
				if cerr := l.Complete(ctx, envs[:i]...); cerr != nil {
					r.log.WarnwCtx(ctx, "Listener acknowledgement failed", "endpoint", r.address, "error", cerr)
				}
			}
			r.deferToListener(ctx, l, envs[i:])
			return err
		}
	}

	return l.Complete(ctx, envs...)
}

func (r *Buffered) deferToListener(ctx context.Context, l Listener, envs []*envelope.Envelope) {
	if err := l.Defer(ctx, envs...); err != nil {
		r.log.WarnwCtx(ctx, "Listener defer failed", "endpoint", r.address, "error", err)
	}
}

func (r *Buffered) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if env.IsPing() {
		return nil
	}
	return r.queue.post(ctx, env)
}

func (r *Buffered) Schedule(at time.Time, env *envelope.Envelope) {
	r.timer.Enqueue(at, env)
}

func (r *Buffered) QueueCount() int {
	return r.queue.count()
}

func (r *Buffered) Drain(ctx context.Context) error {
	r.drainOnce.Do(func() {
		r.draining.Store(true)
		r.queue.close()
		r.drainErr = r.queue.wait(ctx)
		r.timer.Stop()
	})
	return r.drainErr
}

func (r *Buffered) fire(ctx context.Context, env *envelope.Envelope) {
	env.MarkDue(r.nodeID)
	if err := r.queue.post(ctx, env); err != nil {
		r.log.WarnwCtx(ctx, "Scheduled envelope dropped", "envelope_id", env.ID, "error", err)
	}
}

func (r *Buffered) dispatch(ctx context.Context, env *envelope.Envelope) {
	ctx = r.context(ctx, env)
	if r.expired(ctx, env) {
		return
	}
	_ = r.invoke(ctx, env, bufferedCallback{r})
}

type bufferedCallback struct {
	r *Buffered
}

func (c bufferedCallback) Complete(context.Context, *envelope.Envelope) error {
	return nil
}

func (c bufferedCallback) Defer(ctx context.Context, env *envelope.Envelope) error {
	env.IncrementAttempts()
	c.r.queue.requeue(ctx, env)
	return nil
}

func (c bufferedCallback) MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error {
	return c.r.deadLetter(ctx, c.r.store, env, cause)
}

func (c bufferedCallback) MoveToScheduledUntil(_ context.Context, env *envelope.Envelope, at time.Time) error {
	env.IncrementAttempts()
	env.ScheduleUntil(at)
	c.r.timer.Enqueue(at, env)
	return nil
}
