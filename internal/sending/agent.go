package sending

import (
	"context"
	"sync"
	"time"

	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/internal/receiving"
	apperrors "postal/pkg/errors"
)

var ErrDraining = apperrors.ErrDraining

// Agent accepts envelopes from application code for one local endpoint.
type Agent interface {
	Destination() string
	Send(ctx context.Context, env *envelope.Envelope) error
	Drain(ctx context.Context) error
}

type Options struct {
	Destination string
	// ReplyURI fills envelopes that do not name one.
	ReplyURI   string
	NodeID     int
	Receiver   receiving.Receiver
	Store      persistence.Store
	Serializer *envelope.Serializer
	Logger     logger.Logger
}

// latch tracks sends in flight and refuses new ones once closed.
type latch struct {
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
	err      error
}

func (l *latch) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.inflight.Add(1)
	return true
}

func (l *latch) leave() {
	l.inflight.Done()
}

// close is idempotent. It waits for sends already in flight, bounded by ctx.
func (l *latch) close(ctx context.Context) error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		done := make(chan struct{})
		go func() {
			l.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			l.err = ctx.Err()
		}
	})
	return l.err
}

// stamp sets the outbound metadata every agent records.
func stamp(env *envelope.Envelope, opts Options, now time.Time) {
	env.SentAt = now
	if env.Destination == "" {
		env.Destination = opts.Destination
	}
	if env.ReplyURI == "" {
		env.ReplyURI = opts.ReplyURI
	}
}
