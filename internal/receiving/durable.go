package receiving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/persistence"
	"postal/internal/scheduling"
	"postal/pkg/metrics"
	"postal/pkg/retry"
)

type receiveItem struct {
	listener Listener
	env      *envelope.Envelope
}

// Durable persists every envelope before dispatching it. Store writes that
// follow a dispatch go through retry pipelines, one per operation, so a
// flaky database slows settlement down without losing it.
type Durable struct {
	dispatcher
	store persistence.Store
	queue *workQueue
	timer *scheduling.Timer

	receiveOne  *retry.Pipeline[receiveItem]
	increment   *retry.Pipeline[*envelope.Envelope]
	schedule    *retry.Pipeline[*envelope.Envelope]
	markHandled *retry.Pipeline[uuid.UUID]
	deadLetters *retry.Pipeline[*envelope.ErrorReport]

	draining  atomic.Bool
	drainOnce sync.Once
	drainErr  error
}

func NewDurable(ctx context.Context, opts Options) (*Durable, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("durable receiver %s requires a store", opts.Address)
	}
	opts.withDefaults()

	r := &Durable{
		dispatcher: newDispatcher(opts),
		store:      opts.Store,
	}
	r.queue = newWorkQueue(opts.Address, opts.QueueCapacity, r.dispatch, opts.Logger)
	r.timer = scheduling.NewTimer(ctx, opts.Address, r.fire, opts.Logger)

	pipelineConfig := func(op string) retry.PipelineConfig {
		cfg := opts.Retry
		cfg.Name = opts.Address + ":" + op
		return cfg
	}
	r.receiveOne = retry.NewPipeline(ctx, pipelineConfig("receive"), r.storeAndEnqueue, opts.Logger)
	r.increment = retry.NewPipeline(ctx, pipelineConfig("increment_attempts"), r.store.IncrementAttempts, opts.Logger)
	r.schedule = retry.NewPipeline(ctx, pipelineConfig("schedule"), r.scheduleExecution, opts.Logger)
	r.markHandled = retry.NewPipeline(ctx, pipelineConfig("mark_handled"), r.store.MarkHandled, opts.Logger)
	r.deadLetters = retry.NewPipeline(ctx, pipelineConfig("dead_letter"), r.store.MoveToDeadLetter, opts.Logger)

	r.queue.start(ctx, opts.MaxParallelism)
	return r, nil
}

func (r *Durable) Address() string {
	return r.address
}

// Receive persists through the retry pipeline. The listener is acknowledged
// once the envelope is stored, or immediately if it turns out to be a
// duplicate.
func (r *Durable) Receive(ctx context.Context, l Listener, env *envelope.Envelope) error {
	if r.draining.Load() {
		r.deferToListener(ctx, l, env)
		return ErrDraining
	}

	if env.IsPing() {
		return l.Complete(ctx, env)
	}

	r.accept(l, constants.ModeDurable, env)
	if err := r.receiveOne.Post(receiveItem{listener: l, env: env}); err != nil {
		r.deferToListener(ctx, l, env)
		return ErrDraining
	}
	return nil
}

func (r *Durable) ReceiveBatch(ctx context.Context, l Listener, envs []*envelope.Envelope) error {
	if r.draining.Load() {
		r.deferToListener(ctx, l, envs...)
		return ErrDraining
	}

	envs, pings := splitPings(envs)
	if len(pings) > 0 {
		if err := l.Complete(ctx, pings...); err != nil {
			return err
		}
	}
	if len(envs) == 0 {
		return nil
	}

	r.accept(l, constants.ModeDurable, envs...)

	if err := r.store.StoreIncomingBatch(ctx, envs); err != nil {
		r.log.WarnwCtx(ctx, "Batch store failed, storing envelopes one by one",
			"endpoint", r.address,
			"count", len(envs),
			"error", err,
		)
		var errs []error
		for _, env := range envs {
			if err := r.receiveOne.Post(receiveItem{listener: l, env: env}); err != nil {
				r.deferToListener(ctx, l, env)
				errs = append(errs, ErrDraining)
			}
		}
		return errors.Join(errs...)
	}

	for _, env := range envs {
		r.route(ctx, env)
	}
	return l.Complete(ctx, envs...)
}

// splitPings separates probes, which are acknowledged but never stored.
func splitPings(envs []*envelope.Envelope) (messages, pings []*envelope.Envelope) {
	for _, env := range envs {
		if env.IsPing() {
			pings = append(pings, env)
			continue
		}
		messages = append(messages, env)
	}
	return messages, pings
}

func (r *Durable) storeAndEnqueue(ctx context.Context, item receiveItem) error {
	err := r.store.StoreIncoming(ctx, item.env)
	switch {
	case errors.Is(err, persistence.ErrDuplicate):
		metrics.IncDuplicate(r.address)
		r.log.InfowCtx(ctx, "Duplicate envelope ignored", "endpoint", r.address, "envelope_id", item.env.ID)
	case err != nil:
		return err
	default:
		r.route(ctx, item.env)
	}

	if err := item.listener.Complete(ctx, item.env); err != nil {
		r.log.WarnwCtx(ctx, "Listener acknowledgement failed", "endpoint", r.address, "envelope_id", item.env.ID, "error", err)
	}
	return nil
}

// route sends a freshly stored envelope to the queue or the timer. A closed
// queue is fine: the envelope is stored and drain releases it.
func (r *Durable) route(ctx context.Context, env *envelope.Envelope) {
	if env.Status == envelope.StatusScheduled {
		r.timer.Enqueue(*env.ScheduledTime, env)
		return
	}
	if err := r.Enqueue(ctx, env); err != nil {
		r.log.DebugwCtx(ctx, "Stored envelope not enqueued", "endpoint", r.address, "envelope_id", env.ID, "error", err)
	}
}

func (r *Durable) deferToListener(ctx context.Context, l Listener, envs ...*envelope.Envelope) {
	if err := l.Defer(ctx, envs...); err != nil {
		r.log.WarnwCtx(ctx, "Listener defer failed", "endpoint", r.address, "error", err)
	}
}

func (r *Durable) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if env.IsPing() {
		return nil
	}
	return r.queue.post(ctx, env)
}

// Schedule holds an envelope that is already stored as Scheduled. When due
// it is claimed in the store first, so only one node runs it.
func (r *Durable) Schedule(at time.Time, env *envelope.Envelope) {
	r.timer.Enqueue(at, env)
}

func (r *Durable) QueueCount() int {
	return r.queue.count()
}

func (r *Durable) fire(ctx context.Context, env *envelope.Envelope) {
	claimed, err := r.store.ClaimScheduled(ctx, env.ID, r.nodeID)
	if err != nil {
		r.log.WarnwCtx(ctx, "Could not claim scheduled envelope, leaving it to recovery",
			"endpoint", r.address,
			"envelope_id", env.ID,
			"error", err,
		)
		return
	}
	if !claimed {
		r.log.DebugwCtx(ctx, "Scheduled envelope claimed elsewhere", "endpoint", r.address, "envelope_id", env.ID)
		return
	}

	env.MarkDue(r.nodeID)
	if err := r.queue.post(ctx, env); err != nil {
		r.log.DebugwCtx(ctx, "Claimed envelope not enqueued", "endpoint", r.address, "envelope_id", env.ID, "error", err)
	}
}

func (r *Durable) dispatch(ctx context.Context, env *envelope.Envelope) {
	ctx = r.context(ctx, env)
	if r.expired(ctx, env) {
		_ = post(ctx, r, r.markHandled, env.ID)
		return
	}
	_ = r.invoke(ctx, env, durableCallback{r})
}

func (r *Durable) scheduleExecution(ctx context.Context, env *envelope.Envelope) error {
	if err := r.store.ScheduleExecution(ctx, env); err != nil {
		return err
	}
	r.timer.Enqueue(*env.ScheduledTime, env)
	return nil
}

func post[T any](ctx context.Context, r *Durable, p *retry.Pipeline[T], item T) error {
	if err := p.Post(item); err != nil {
		r.log.WarnwCtx(ctx, "Persistence pipeline closed, leaving envelope to recovery",
			"pipeline", p.Name(),
			"error", err,
		)
		return err
	}
	return nil
}

// Drain stops intake, lets the queue run dry, flushes the pipelines and hands
// whatever this node still owns back to the cluster. Only the first call does
// any work.
func (r *Durable) Drain(ctx context.Context) error {
	r.drainOnce.Do(func() {
		r.draining.Store(true)

		var errs []error
		r.queue.close()
		if err := r.queue.wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain queue: %w", err))
		}
		r.timer.Stop()

		if err := r.increment.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", r.increment.Name(), err))
		}
		if err := r.schedule.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", r.schedule.Name(), err))
		}
		if err := r.markHandled.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", r.markHandled.Name(), err))
		}
		if err := r.deadLetters.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", r.deadLetters.Name(), err))
		}
		if err := r.receiveOne.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", r.receiveOne.Name(), err))
		}

		if err := r.store.ReleaseOwnership(ctx, r.nodeID, r.address); err != nil {
			errs = append(errs, fmt.Errorf("release ownership: %w", err))
		}

		r.drainErr = errors.Join(errs...)
		r.log.Infow("Durable receiver drained", "endpoint", r.address, "error", r.drainErr)
	})
	return r.drainErr
}

type durableCallback struct {
	r *Durable
}

func (c durableCallback) Complete(ctx context.Context, env *envelope.Envelope) error {
	return post(ctx, c.r, c.r.markHandled, env.ID)
}

// Defer retries locally right away. The attempt count reaches the store on
// its own schedule.
func (c durableCallback) Defer(ctx context.Context, env *envelope.Envelope) error {
	env.IncrementAttempts()
	persisted := env.Clone()
	c.r.queue.requeue(ctx, env)
	return post(ctx, c.r, c.r.increment, persisted)
}

func (c durableCallback) MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error {
	metrics.IncDeadLetter(c.r.address)
	report, err := envelope.NewErrorReport(env, cause, c.r.address)
	if err != nil {
		return err
	}
	return post(ctx, c.r, c.r.deadLetters, report)
}

func (c durableCallback) MoveToScheduledUntil(ctx context.Context, env *envelope.Envelope, at time.Time) error {
	env.IncrementAttempts()
	env.ScheduleUntil(at)
	return post(ctx, c.r, c.r.schedule, env)
}
