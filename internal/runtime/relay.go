package runtime

import (
	"context"
	"errors"
	"time"

	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/pipeline"
	"postal/internal/policy"
	"postal/internal/transport/tcp"
	"postal/pkg/metrics"
)

type batchSender interface {
	SendBatch(ctx context.Context, envs []*envelope.Envelope, cb tcp.Callback) error
}

// relay is the handler of a forwarding endpoint: every envelope it receives
// is sent on to the remote node's queue of the same name.
type relay struct {
	endpoint string
	sender   batchSender
	policy   *policy.Policy
	log      logger.Logger
	now      func() time.Time
}

func newRelay(endpoint string, sender batchSender, p *policy.Policy, log logger.Logger) *relay {
	return &relay{endpoint: endpoint, sender: sender, policy: p, log: log, now: time.Now}
}

func (h *relay) Invoke(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error {
	err := h.sender.SendBatch(ctx, []*envelope.Envelope{env}, nil)
	switch {
	case err == nil:
		metrics.IncDispatched(h.endpoint, "relayed")
		return cb.Complete(ctx, env)
	case errors.Is(err, tcp.ErrQueueDoesNotExist), errors.Is(err, tcp.ErrSerializationFailure):
		metrics.IncDispatched(h.endpoint, "dead_letter")
		h.log.WarnwCtx(ctx, "Remote rejected envelope", "envelope_id", env.ID, "error", err)
		return cb.MoveToErrors(ctx, env, err)
	default:
		return pipeline.SettleFailure(ctx, h.policy, h.log, h.now(), env, h.endpoint, err, cb)
	}
}
