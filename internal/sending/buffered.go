package sending

import (
	"context"
	"time"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/pkg/metrics"
)

// Buffered hands envelopes straight to the local receiver. Nothing is
// persisted.
type Buffered struct {
	opts  Options
	latch latch
	now   func() time.Time
}

func NewBuffered(opts Options) *Buffered {
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}
	return &Buffered{opts: opts, now: time.Now}
}

func (a *Buffered) Destination() string {
	return a.opts.Destination
}

// Send dispatches through the local queue, or through the timer when the
// envelope is scheduled for later. A scheduled time already past counts as
// now.
func (a *Buffered) Send(ctx context.Context, env *envelope.Envelope) error {
	if !a.latch.enter() {
		return ErrDraining
	}
	defer a.latch.leave()

	now := a.now().UTC()
	stamp(env, a.opts, now)
	metrics.IncSent(a.opts.Destination, constants.ModeBuffered)

	if env.IsScheduledForLater(now) {
		env.ScheduleUntil(*env.ScheduledTime)
		a.opts.Receiver.Schedule(*env.ScheduledTime, env)
		a.opts.Logger.DebugwCtx(ctx, "Envelope scheduled",
			"destination", a.opts.Destination,
			"envelope_id", env.ID,
			"scheduled_time", env.ScheduledTime,
		)
		return nil
	}

	env.MarkDue(a.opts.NodeID)
	return a.opts.Receiver.Enqueue(ctx, env)
}

func (a *Buffered) Drain(ctx context.Context) error {
	return a.latch.close(ctx)
}
