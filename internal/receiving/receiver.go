package receiving

import (
	"context"
	"time"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/internal/pipeline"
	apperrors "postal/pkg/errors"
	"postal/pkg/retry"
)

var ErrDraining = apperrors.ErrDraining

// Listener is the transport side of a receive: where envelopes came from and
// how to acknowledge or reject them.
type Listener interface {
	Address() string
	Complete(ctx context.Context, envs ...*envelope.Envelope) error
	Defer(ctx context.Context, envs ...*envelope.Envelope) error
}

// Receiver accepts envelopes for one endpoint and dispatches them to its
// handler pipeline.
type Receiver interface {
	Address() string
	Receive(ctx context.Context, l Listener, env *envelope.Envelope) error
	ReceiveBatch(ctx context.Context, l Listener, envs []*envelope.Envelope) error
	// Enqueue hands an already accepted envelope to local dispatch.
	Enqueue(ctx context.Context, env *envelope.Envelope) error
	// Schedule holds an envelope in memory until at.
	Schedule(at time.Time, env *envelope.Envelope)
	Drain(ctx context.Context) error
	QueueCount() int
}

type Options struct {
	Address        string
	NodeID         int
	MaxParallelism int
	QueueCapacity  int
	Handler        pipeline.Handler
	// Store is required in durable mode. Elsewhere it only receives dead
	// letters and may be nil.
	Store  persistence.Store
	Retry  retry.PipelineConfig
	Logger logger.Logger
}

func (o *Options) withDefaults() {
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = constants.DefaultMaxParallelism
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = constants.DefaultQueueCapacity
	}
	if o.Logger == nil {
		o.Logger = logger.NopLogger()
	}
	if o.Retry.Workers <= 0 {
		o.Retry.Workers = 1
	}
	if o.Retry.Policy == (retry.Policy{}) {
		o.Retry.Policy = retry.PersistencePolicy()
	}
}

// NopListener acknowledges nothing. Used for envelopes that did not arrive
// through a transport, such as recovered ones.
type NopListener struct {
	Addr string
}

func (l NopListener) Address() string { return l.Addr }

func (NopListener) Complete(context.Context, ...*envelope.Envelope) error { return nil }

func (NopListener) Defer(context.Context, ...*envelope.Envelope) error { return nil }
