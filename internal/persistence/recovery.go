package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/pkg/metrics"
)

// RecoveryTarget is the local side of a durable endpoint that recovered
// envelopes are handed to.
type RecoveryTarget interface {
	Address() string
	Enqueue(ctx context.Context, env *envelope.Envelope) error
}

type RecoveryConfig struct {
	NodeID   int
	Interval time.Duration
	PageSize int
	// HandledRetention is how long Handled envelopes stay around for
	// duplicate detection. Zero keeps them forever.
	HandledRetention time.Duration
}

// RecoveryAgent picks up work no live node is running: envelopes released
// by a drained node, left behind by a crash, or whose scheduled time passed
// while nobody held them in memory.
type RecoveryAgent struct {
	store Store
	cfg   RecoveryConfig
	log   logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	targets []RecoveryTarget

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRecoveryAgent(store Store, cfg RecoveryConfig, log logger.Logger) *RecoveryAgent {
	if cfg.PageSize <= 0 {
		cfg.PageSize = constants.DefaultRecoveryPageSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &RecoveryAgent{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

func (a *RecoveryAgent) Register(target RecoveryTarget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append(a.targets, target)
}

func (a *RecoveryAgent) snapshot() []RecoveryTarget {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RecoveryTarget(nil), a.targets...)
}

// Start releases what this node owned in a previous life, runs one
// recovery pass and then keeps polling until Stop or ctx ends.
func (a *RecoveryAgent) Start(ctx context.Context) error {
	var errs []error
	for _, target := range a.snapshot() {
		if err := a.store.ReleaseOwnership(ctx, a.cfg.NodeID, target.Address()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	a.RecoverOnce(ctx)

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.loop(ctx)

	a.log.Infow("Recovery agent started",
		"node_id", a.cfg.NodeID,
		"interval", a.cfg.Interval,
		"endpoints", len(a.snapshot()),
	)
	return nil
}

func (a *RecoveryAgent) loop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RecoverOnce(ctx)
			a.PurgeHandled(ctx)
		}
	}
}

func (a *RecoveryAgent) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

// PurgeHandled deletes Handled envelopes older than the retention window.
func (a *RecoveryAgent) PurgeHandled(ctx context.Context) int {
	if a.cfg.HandledRetention <= 0 {
		return 0
	}
	cutoff := a.now().Add(-a.cfg.HandledRetention)
	n, err := a.store.DeleteHandled(ctx, cutoff)
	if err != nil {
		a.log.Warnw("Purging handled envelopes failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.AddHandledPurged(n)
		a.log.Infow("Purged handled envelopes", "count", n, "retention", a.cfg.HandledRetention)
	}
	return n
}

// RecoverOnce claims due scheduled envelopes and unowned incoming envelopes
// for every registered endpoint and enqueues them locally.
func (a *RecoveryAgent) RecoverOnce(ctx context.Context) {
	for _, target := range a.snapshot() {
		if ctx.Err() != nil {
			return
		}
		a.recoverScheduled(ctx, target)
		a.recoverIncoming(ctx, target)
	}
}

func (a *RecoveryAgent) recoverScheduled(ctx context.Context, target RecoveryTarget) {
	for {
		due, err := a.store.ClaimDueScheduled(ctx, a.cfg.NodeID, target.Address(), a.now(), a.cfg.PageSize)
		if err != nil {
			a.log.Warnw("Claiming due scheduled envelopes failed", "endpoint", target.Address(), "error", err)
			return
		}
		if !a.submit(ctx, target, due, "scheduled") || len(due) < a.cfg.PageSize {
			return
		}
	}
}

func (a *RecoveryAgent) recoverIncoming(ctx context.Context, target RecoveryTarget) {
	for {
		claimed, err := a.store.ClaimIncoming(ctx, a.cfg.NodeID, target.Address(), a.cfg.PageSize)
		if err != nil {
			a.log.Warnw("Claiming incoming envelopes failed", "endpoint", target.Address(), "error", err)
			return
		}
		if !a.submit(ctx, target, claimed, "incoming") || len(claimed) < a.cfg.PageSize {
			return
		}
	}
}

// submit reports false once the target stops accepting. Envelopes claimed
// but not enqueued keep this node as owner until its drain releases them.
func (a *RecoveryAgent) submit(ctx context.Context, target RecoveryTarget, envs []*envelope.Envelope, kind string) bool {
	if len(envs) == 0 {
		return true
	}

	accepted := 0
	for _, env := range envs {
		if err := target.Enqueue(ctx, env); err != nil {
			a.log.Debugw("Recovered envelope not enqueued", "endpoint", target.Address(), "envelope_id", env.ID, "error", err)
			break
		}
		accepted++
	}

	metrics.IncRecovered(target.Address(), kind, accepted)
	a.log.Infow("Recovered envelopes",
		"endpoint", target.Address(),
		"kind", kind,
		"count", accepted,
	)
	return accepted == len(envs)
}
