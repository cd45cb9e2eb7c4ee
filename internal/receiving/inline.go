package receiving

import (
	"context"
	"errors"
	"sync"
	"time"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/persistence"
	"postal/internal/scheduling"
)

// Inline runs the handler on the caller's goroutine. A failed envelope is
// handed back to the listener so the transport redelivers it.
type Inline struct {
	dispatcher
	store persistence.Store
	timer *scheduling.Timer

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup

	drainOnce sync.Once
	drainErr  error
}

func NewInline(ctx context.Context, opts Options) *Inline {
	opts.withDefaults()

	r := &Inline{
		dispatcher: newDispatcher(opts),
		store:      opts.Store,
	}
	r.timer = scheduling.NewTimer(ctx, opts.Address, r.fire, opts.Logger)
	return r
}

func (r *Inline) Address() string {
	return r.address
}

// enter registers an in-flight invocation unless the receiver is draining.
func (r *Inline) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (r *Inline) Receive(ctx context.Context, l Listener, env *envelope.Envelope) error {
	if !r.enter() {
		r.deferToListener(ctx, l, env)
		return ErrDraining
	}
	defer r.inflight.Done()

	r.accept(l, constants.ModeInline, env)
	return r.receive(ctx, l, env)
}

func (r *Inline) ReceiveBatch(ctx context.Context, l Listener, envs []*envelope.Envelope) error {
	if !r.enter() {
		r.deferToListener(ctx, l, envs...)
		return ErrDraining
	}
	defer r.inflight.Done()

	r.accept(l, constants.ModeInline, envs...)

	var errs []error
	for _, env := range envs {
		if err := r.receive(ctx, l, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Inline) receive(ctx context.Context, l Listener, env *envelope.Envelope) error {
	if env.Status == envelope.StatusScheduled {
		r.timer.Enqueue(*env.ScheduledTime, env)
		return l.Complete(ctx, env)
	}
	if env.IsPing() {
		return l.Complete(ctx, env)
	}

	cb := &inlineCallback{r: r}
	dctx := r.context(ctx, env)
	if r.expired(dctx, env) {
		return l.Complete(ctx, env)
	}

	if err := r.invoke(dctx, env, cb); err != nil || cb.deferred {
		r.deferToListener(ctx, l, env)
		return err
	}
	return l.Complete(ctx, env)
}

func (r *Inline) deferToListener(ctx context.Context, l Listener, envs ...*envelope.Envelope) {
	if err := l.Defer(ctx, envs...); err != nil {
		r.log.WarnwCtx(ctx, "Listener defer failed", "endpoint", r.address, "error", err)
	}
}

// Enqueue invokes the handler right away. There is no listener to hand a
// failure back to, so deferrals are retried through the timer.
func (r *Inline) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if env.IsPing() {
		return nil
	}
	if !r.enter() {
		return ErrDraining
	}
	defer r.inflight.Done()

	r.invokeDetached(ctx, env)
	return nil
}

func (r *Inline) invokeDetached(ctx context.Context, env *envelope.Envelope) {
	ctx = r.context(ctx, env)
	if r.expired(ctx, env) {
		return
	}

	cb := &inlineCallback{r: r}
	if err := r.invoke(ctx, env, cb); err == nil && cb.deferred {
		r.timer.Enqueue(r.now(), env)
	}
}

func (r *Inline) Schedule(at time.Time, env *envelope.Envelope) {
	r.timer.Enqueue(at, env)
}

func (r *Inline) QueueCount() int {
	return 0
}

func (r *Inline) Drain(ctx context.Context) error {
	r.drainOnce.Do(func() {
		r.mu.Lock()
		r.draining = true
		r.mu.Unlock()

		r.timer.Stop()

		done := make(chan struct{})
		go func() {
			r.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			r.drainErr = ctx.Err()
		}
	})
	return r.drainErr
}

func (r *Inline) fire(ctx context.Context, env *envelope.Envelope) {
	env.MarkDue(r.nodeID)
	if !r.enter() {
		return
	}
	defer r.inflight.Done()

	r.invokeDetached(ctx, env)
}

type inlineCallback struct {
	r        *Inline
	deferred bool
}

func (c *inlineCallback) Complete(context.Context, *envelope.Envelope) error {
	return nil
}

func (c *inlineCallback) Defer(_ context.Context, env *envelope.Envelope) error {
	env.IncrementAttempts()
	c.deferred = true
	return nil
}

func (c *inlineCallback) MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error {
	return c.r.deadLetter(ctx, c.r.store, env, cause)
}

func (c *inlineCallback) MoveToScheduledUntil(_ context.Context, env *envelope.Envelope, at time.Time) error {
	env.IncrementAttempts()
	env.ScheduleUntil(at)
	c.r.timer.Enqueue(at, env)
	return nil
}
