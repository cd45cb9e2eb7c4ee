package pipeline

import (
	"context"
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"go.opentelemetry.io/otel/codes"

	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/policy"
	apperrors "postal/pkg/errors"
	"postal/pkg/logging"
	"postal/pkg/metrics"
	"postal/pkg/tracing"
)

// Executor is the default handler pipeline: it looks up the handler for the
// message type, deserializes the body, runs the handler and turns failures
// into a callback decision via the failure policy.
type Executor struct {
	handlers   cmap.ConcurrentMap
	serializer *envelope.Serializer
	policy     *policy.Policy
	log        logger.Logger
	now        func() time.Time
}

func NewExecutor(serializer *envelope.Serializer, p *policy.Policy, log logger.Logger) *Executor {
	if log == nil {
		log = logger.NopLogger()
	}
	if p == nil {
		p = policy.Default()
	}
	return &Executor{
		handlers:   cmap.New(),
		serializer: serializer,
		policy:     p,
		log:        log,
		now:        time.Now,
	}
}

// Register binds a handler to a message type. sample, when not nil, also
// registers the body type with the serializer; otherwise the handler reads
// the raw body from env.Data.
func (e *Executor) Register(messageType string, sample interface{}, h MessageHandler) {
	if sample != nil {
		e.serializer.Register(messageType, sample)
	}
	e.handlers.Set(messageType, h)
}

func (e *Executor) HasHandler(messageType string) bool {
	return e.handlers.Has(messageType)
}

// Clear drops every handler registration.
func (e *Executor) Clear() {
	for _, key := range e.handlers.Keys() {
		e.handlers.Remove(key)
	}
}

func (e *Executor) Invoke(ctx context.Context, env *envelope.Envelope, cb Callback) error {
	ctx = logging.WithEnvelopeID(ctx, env.ID.String())
	endpoint := logging.GetEndpoint(ctx)

	if env.IsPing() {
		return cb.Complete(ctx, env)
	}

	v, ok := e.handlers.Get(env.MessageType)
	if !ok {
		metrics.IncDispatched(endpoint, "no_handler")
		cause := apperrors.ErrNoHandler.WithMessage(fmt.Sprintf("no handler for message type %q", env.MessageType))
		e.log.WarnwCtx(ctx, "No handler registered, moving to dead letters", "message_type", env.MessageType)
		return cb.MoveToErrors(ctx, env, cause)
	}
	handler := v.(MessageHandler)

	if e.serializer.Registered(env.MessageType) {
		if err := env.EnsureMessage(e.serializer); err != nil {
			metrics.IncDispatched(endpoint, "deserialize_failed")
			e.log.ErrorwCtx(ctx, "Failed to deserialize message", "message_type", env.MessageType, "error", err)
			return cb.MoveToErrors(ctx, env, apperrors.ErrValidation.WithCause(err).AsFatal())
		}
	}

	spanCtx, span := tracing.StartEnvelopeSpan(ctx, "postal.handle "+env.MessageType, env)
	start := e.now()
	err := apperrors.Safely(func() error {
		return handler(spanCtx, env)
	})
	elapsed := time.Since(start)

	if err == nil {
		span.End()
		metrics.ObserveHandlerDuration(env.MessageType, "success", elapsed)
		metrics.IncDispatched(endpoint, "success")
		return cb.Complete(ctx, env)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	metrics.ObserveHandlerDuration(env.MessageType, "failure", elapsed)

	return e.fail(ctx, env, endpoint, err, cb)
}

func (e *Executor) fail(ctx context.Context, env *envelope.Envelope, endpoint string, cause error, cb Callback) error {
	return SettleFailure(ctx, e.policy, e.log, e.now(), env, endpoint, cause, cb)
}

// SettleFailure asks the policy what to do with a failed envelope and settles
// it through cb accordingly.
func SettleFailure(ctx context.Context, p *policy.Policy, log logger.Logger, now time.Time, env *envelope.Envelope, endpoint string, cause error, cb Callback) error {
	decision := p.Decide(ctx, env, endpoint, cause)

	log.WarnwCtx(ctx, "Handler failed",
		"message_type", env.MessageType,
		"attempts", env.Attempts,
		"action", decision.Action,
		"rule", decision.Rule,
		"error", cause,
	)

	switch decision.Action {
	case policy.Schedule:
		metrics.IncDispatched(endpoint, "scheduled")
		return cb.MoveToScheduledUntil(ctx, env, now.Add(decision.Delay))
	case policy.DeadLetter:
		metrics.IncDispatched(endpoint, "dead_letter")
		return cb.MoveToErrors(ctx, env, cause)
	default:
		metrics.IncDispatched(endpoint, "deferred")
		return cb.Defer(ctx, env)
	}
}
