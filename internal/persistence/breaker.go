package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"postal/internal/envelope"
	"postal/pkg/circuitbreaker"
)

// CircuitBreakerStore stops hammering a failing database. Duplicate and
// not-found outcomes are answers, not failures, and do not trip the breaker.
type CircuitBreakerStore struct {
	next Store
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(next Store, cfg circuitbreaker.Config) *CircuitBreakerStore {
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrNotFound) ||
			errors.Is(err, context.Canceled)
	}
	return &CircuitBreakerStore{
		next: next,
		cb:   circuitbreaker.NewWrapper(cfg),
	}
}

func (s *CircuitBreakerStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.cb.Execute(ctx, fn)
}

func (s *CircuitBreakerStore) StoreIncoming(ctx context.Context, env *envelope.Envelope) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.StoreIncoming(ctx, env) })
}

func (s *CircuitBreakerStore) StoreIncomingBatch(ctx context.Context, envs []*envelope.Envelope) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.StoreIncomingBatch(ctx, envs) })
}

func (s *CircuitBreakerStore) MarkHandled(ctx context.Context, id uuid.UUID) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.MarkHandled(ctx, id) })
}

func (s *CircuitBreakerStore) DeleteHandled(ctx context.Context, olderThan time.Time) (int, error) {
	return circuitbreaker.Call(ctx, s.cb, func(ctx context.Context) (int, error) {
		return s.next.DeleteHandled(ctx, olderThan)
	})
}

func (s *CircuitBreakerStore) IncrementAttempts(ctx context.Context, env *envelope.Envelope) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.IncrementAttempts(ctx, env) })
}

func (s *CircuitBreakerStore) ScheduleExecution(ctx context.Context, env *envelope.Envelope) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.ScheduleExecution(ctx, env) })
}

func (s *CircuitBreakerStore) MoveToDeadLetter(ctx context.Context, report *envelope.ErrorReport) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.MoveToDeadLetter(ctx, report) })
}

func (s *CircuitBreakerStore) ReleaseOwnership(ctx context.Context, nodeID int, address string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.ReleaseOwnership(ctx, nodeID, address) })
}

func (s *CircuitBreakerStore) ClaimScheduled(ctx context.Context, id uuid.UUID, nodeID int) (bool, error) {
	return circuitbreaker.Call(ctx, s.cb, func(ctx context.Context) (bool, error) {
		return s.next.ClaimScheduled(ctx, id, nodeID)
	})
}

func (s *CircuitBreakerStore) ClaimDueScheduled(ctx context.Context, nodeID int, address string, now time.Time, limit int) ([]*envelope.Envelope, error) {
	return circuitbreaker.Call(ctx, s.cb, func(ctx context.Context) ([]*envelope.Envelope, error) {
		return s.next.ClaimDueScheduled(ctx, nodeID, address, now, limit)
	})
}

func (s *CircuitBreakerStore) ClaimIncoming(ctx context.Context, nodeID int, address string, limit int) ([]*envelope.Envelope, error) {
	return circuitbreaker.Call(ctx, s.cb, func(ctx context.Context) ([]*envelope.Envelope, error) {
		return s.next.ClaimIncoming(ctx, nodeID, address, limit)
	})
}

func (s *CircuitBreakerStore) DeadLetters(ctx context.Context, limit int) ([]*envelope.ErrorReport, error) {
	return circuitbreaker.Call(ctx, s.cb, func(ctx context.Context) ([]*envelope.ErrorReport, error) {
		return s.next.DeadLetters(ctx, limit)
	})
}

func (s *CircuitBreakerStore) ReplayDeadLetter(ctx context.Context, id string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.next.ReplayDeadLetter(ctx, id) })
}

func (s *CircuitBreakerStore) Close() error {
	return s.next.Close()
}
