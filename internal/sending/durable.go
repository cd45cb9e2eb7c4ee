package sending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/pkg/metrics"
)

// Durable is the outbox: Send returns only after the envelope is stored, so
// a crash right after cannot lose it. Local dispatch follows the write.
type Durable struct {
	opts  Options
	latch latch
	now   func() time.Time
}

func NewDurable(opts Options) (*Durable, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("durable sending agent %s requires a store", opts.Destination)
	}
	if opts.Serializer == nil {
		opts.Serializer = envelope.NewSerializer()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}
	return &Durable{opts: opts, now: time.Now}, nil
}

func (a *Durable) Destination() string {
	return a.opts.Destination
}

func (a *Durable) Send(ctx context.Context, env *envelope.Envelope) error {
	if !a.latch.enter() {
		return ErrDraining
	}
	defer a.latch.leave()

	now := a.now().UTC()
	stamp(env, a.opts, now)

	if err := env.EnsureData(a.opts.Serializer); err != nil {
		return err
	}

	if env.IsScheduledForLater(now) {
		env.ScheduleUntil(*env.ScheduledTime)
	} else {
		env.MarkDue(a.opts.NodeID)
	}

	if err := a.opts.Store.StoreIncoming(ctx, env); err != nil {
		if !errors.Is(err, persistence.ErrDuplicate) {
			return fmt.Errorf("persist outgoing envelope %s: %w", env.ID, err)
		}
		metrics.IncDuplicate(a.opts.Destination)
		a.opts.Logger.InfowCtx(ctx, "Envelope already stored, not dispatching again",
			"destination", a.opts.Destination,
			"envelope_id", env.ID,
		)
		return nil
	}
	metrics.IncSent(a.opts.Destination, constants.ModeDurable)

	if env.Status == envelope.StatusScheduled {
		a.opts.Receiver.Schedule(*env.ScheduledTime, env)
		return nil
	}

	if err := a.opts.Receiver.Enqueue(ctx, env); err != nil {
		a.opts.Logger.WarnwCtx(ctx, "Stored envelope not enqueued, recovery will pick it up",
			"destination", a.opts.Destination,
			"envelope_id", env.ID,
			"error", err,
		)
	}
	return nil
}

func (a *Durable) Drain(ctx context.Context) error {
	return a.latch.close(ctx)
}
