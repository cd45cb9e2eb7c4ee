package receiving

import (
	"context"
	"time"

	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/internal/pipeline"
	"postal/pkg/logging"
	"postal/pkg/metrics"
)

// dispatcher is the part every receiver shares: expiry check, context
// decoration and handler invocation.
type dispatcher struct {
	address string
	nodeID  int
	handler pipeline.Handler
	log     logger.Logger
	now     func() time.Time
}

func newDispatcher(opts Options) dispatcher {
	return dispatcher{
		address: opts.Address,
		nodeID:  opts.NodeID,
		handler: opts.Handler,
		log:     opts.Logger,
		now:     time.Now,
	}
}

func (d *dispatcher) context(ctx context.Context, env *envelope.Envelope) context.Context {
	ctx = logging.WithEndpoint(ctx, d.address)
	ctx = logging.WithNodeID(ctx, d.nodeID)
	return logging.WithEnvelopeID(ctx, env.ID.String())
}

// expired logs and counts an envelope past its deliver-by time. The caller
// must not dispatch it.
func (d *dispatcher) expired(ctx context.Context, env *envelope.Envelope) bool {
	if !env.IsExpired(d.now()) {
		return false
	}
	metrics.IncExpired(d.address)
	d.log.InfowCtx(ctx, "Discarding expired envelope",
		"message_type", env.MessageType,
		"deliver_by", env.DeliverBy,
	)
	return true
}

func (d *dispatcher) invoke(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error {
	err := d.handler.Invoke(ctx, env, cb)
	if err != nil {
		d.log.ErrorwCtx(ctx, "Envelope could not be settled", "message_type", env.MessageType, "error", err)
	}
	return err
}

// accept stamps inbound metadata and counts the envelopes.
func (d *dispatcher) accept(l Listener, mode string, envs ...*envelope.Envelope) {
	now := d.now()
	for _, env := range envs {
		env.MarkReceived(l.Address(), d.nodeID, now)
	}
	metrics.IncReceived(d.address, mode, len(envs))
}

// deadLetter writes the report straight to the store when there is one.
func (d *dispatcher) deadLetter(ctx context.Context, store persistence.Store, env *envelope.Envelope, cause error) error {
	metrics.IncDeadLetter(d.address)

	report, err := envelope.NewErrorReport(env, cause, d.address)
	if err != nil {
		return err
	}

	if store == nil {
		d.log.ErrorwCtx(ctx, "Envelope failed and no dead letter store is configured",
			"message_type", env.MessageType,
			"error", cause,
		)
		return nil
	}
	return store.MoveToDeadLetter(ctx, report)
}
