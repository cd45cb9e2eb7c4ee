package persistence

import (
	"context"
	"errors"
	"fmt"

	"postal/internal/envelope"
	"postal/pkg/metrics"
)

// DeadLetterSink receives a copy of every dead letter after the store has
// recorded it.
type DeadLetterSink interface {
	Name() string
	Publish(ctx context.Context, report *envelope.ErrorReport) error
	Close() error
}

type sinkStore struct {
	Store
	sinks []DeadLetterSink
}

// WithDeadLetterSinks fans dead letters out to sinks. Sink failures are
// returned so the caller retries; the store write is idempotent.
func WithDeadLetterSinks(store Store, sinks ...DeadLetterSink) Store {
	if len(sinks) == 0 {
		return store
	}
	return &sinkStore{Store: store, sinks: sinks}
}

func (s *sinkStore) MoveToDeadLetter(ctx context.Context, report *envelope.ErrorReport) error {
	if err := s.Store.MoveToDeadLetter(ctx, report); err != nil {
		return err
	}

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, report); err != nil {
			metrics.IncDeadLetterSink(sink.Name(), "error")
			errs = append(errs, fmt.Errorf("dead letter sink %s: %w", sink.Name(), err))
			continue
		}
		metrics.IncDeadLetterSink(sink.Name(), "success")
	}
	return errors.Join(errs...)
}

func (s *sinkStore) Close() error {
	errs := []error{s.Store.Close()}
	for _, sink := range s.sinks {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}
