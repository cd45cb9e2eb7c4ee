package pipeline

import (
	"context"
	"time"

	"postal/internal/envelope"
)

// Callback is how a handler pipeline reports the fate of an envelope back to
// the receiver that dispatched it.
type Callback interface {
	Complete(ctx context.Context, env *envelope.Envelope) error
	Defer(ctx context.Context, env *envelope.Envelope) error
	MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error
	MoveToScheduledUntil(ctx context.Context, env *envelope.Envelope, at time.Time) error
}

// Handler runs one envelope and settles it through the callback. A returned
// error means the envelope could not be settled at all.
type Handler interface {
	Invoke(ctx context.Context, env *envelope.Envelope, cb Callback) error
}

type HandlerFunc func(ctx context.Context, env *envelope.Envelope, cb Callback) error

func (f HandlerFunc) Invoke(ctx context.Context, env *envelope.Envelope, cb Callback) error {
	return f(ctx, env, cb)
}

// MessageHandler is application code for one message type. env.Message holds
// the deserialized body.
type MessageHandler func(ctx context.Context, env *envelope.Envelope) error
