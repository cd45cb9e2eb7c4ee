package redisdedup

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

type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

// Store answers duplicates from Redis before they reach the database. The
// wrapped store still enforces uniqueness; the guard only saves the round
// trip, so a Redis outage degrades to the store's own check.
type Store struct {
	persistence.Store
	repo Repository
	cfg  Config
	log  logger.Logger
}

func New(inner persistence.Store, repo Repository, cfg Config, log logger.Logger) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = constants.CacheKeyPrefixDedup
	}
	if cfg.TTL <= 0 {
		cfg.TTL = constants.DefaultDedupTTLSeconds * time.Second
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Store{Store: inner, repo: repo, cfg: cfg, log: log}
}

func (s *Store) key(env *envelope.Envelope) string {
	return s.cfg.KeyPrefix + env.ID.String()
}

// guard reports whether env was seen before. Redis errors count as not seen.
func (s *Store) guard(ctx context.Context, env *envelope.Envelope) (seen bool, held bool) {
	ok, err := s.repo.SetNX(ctx, s.key(env), time.Now().Unix(), s.cfg.TTL)
	if err != nil {
		s.log.WarnwCtx(ctx, "Dedup cache unavailable, relying on store", "envelope_id", env.ID, "error", err)
		return false, false
	}
	return !ok, ok
}

func (s *Store) release(ctx context.Context, envs ...*envelope.Envelope) {
	keys := make([]string, 0, len(envs))
	for _, env := range envs {
		keys = append(keys, s.key(env))
	}
	if err := s.repo.Del(ctx, keys...); err != nil {
		s.log.WarnwCtx(ctx, "Failed to release dedup keys", "count", len(keys), "error", err)
	}
}

func (s *Store) StoreIncoming(ctx context.Context, env *envelope.Envelope) error {
	seen, held := s.guard(ctx, env)
	if seen {
		return fmt.Errorf("envelope %s: %w", env.ID, persistence.ErrDuplicate)
	}

	err := s.Store.StoreIncoming(ctx, env)
	if err != nil && held && !errors.Is(err, persistence.ErrDuplicate) {
		s.release(ctx, env)
	}
	return err
}

func (s *Store) StoreIncomingBatch(ctx context.Context, envs []*envelope.Envelope) error {
	held := make([]*envelope.Envelope, 0, len(envs))
	for _, env := range envs {
		seen, ok := s.guard(ctx, env)
		if seen {
			s.release(ctx, held...)
			return fmt.Errorf("envelope %s: %w", env.ID, persistence.ErrDuplicate)
		}
		if ok {
			held = append(held, env)
		}
	}

	err := s.Store.StoreIncomingBatch(ctx, envs)
	if err != nil {
		s.release(ctx, held...)
	}
	return err
}

// ReportCacheSize publishes the number of live dedup keys until ctx ends.
func (s *Store) ReportCacheSize(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := s.repo.GetCacheSize(ctx, s.cfg.KeyPrefix)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Debugw("Failed to get dedup cache size", "error", err)
				continue
			}
			metrics.SetDedupCacheSize(size)
		}
	}
}
