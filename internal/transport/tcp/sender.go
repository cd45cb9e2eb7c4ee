package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/pkg/metrics"
	"postal/pkg/tracing"
)

var (
	ErrSerializationFailure = errors.New("batch could not be serialized")
	ErrProcessingFailure    = errors.New("batch processing failed")
	ErrQueueDoesNotExist    = errors.New("destination queue does not exist")
	ErrTimedOut             = errors.New("batch exchange timed out")
)

// Callback receives the outcome of one SendBatch. Exactly one method is
// called per batch.
type Callback interface {
	MarkSuccessful(envs []*envelope.Envelope)
	MarkSerializationFailure(envs []*envelope.Envelope)
	MarkProcessingFailure(envs []*envelope.Envelope, err error)
	MarkQueueDoesNotExist(envs []*envelope.Envelope)
	MarkTimedOut(envs []*envelope.Envelope)
}

// NopCallback ignores outcomes; SendBatch's return value carries them too.
type NopCallback struct{}

func (NopCallback) MarkSuccessful([]*envelope.Envelope)               {}
func (NopCallback) MarkSerializationFailure([]*envelope.Envelope)     {}
func (NopCallback) MarkProcessingFailure([]*envelope.Envelope, error) {}
func (NopCallback) MarkQueueDoesNotExist([]*envelope.Envelope)        {}
func (NopCallback) MarkTimedOut([]*envelope.Envelope)                 {}

type SenderConfig struct {
	ConnectTimeout  time.Duration
	ExchangeTimeout time.Duration
}

// Sender delivers batches to one remote listener over a single reused
// connection. Exchanges are serialized.
type Sender struct {
	address string
	codec   Codec
	cfg     SenderConfig
	log     logger.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewSender(address string, codec Codec, cfg SenderConfig, log logger.Logger) *Sender {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultSocketTimeout
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = constants.DefaultSocketTimeout
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Sender{address: address, codec: codec, cfg: cfg, log: log}
}

func (s *Sender) Destination() string {
	return "tcp://" + s.address
}

// SendBatch reports the outcome through cb and also returns it: nil on
// success, otherwise one of the Err values above (ErrProcessingFailure
// wraps the underlying cause).
func (s *Sender) SendBatch(ctx context.Context, envs []*envelope.Envelope, cb Callback) error {
	if cb == nil {
		cb = NopCallback{}
	}

	_, span := tracing.Tracer().Start(ctx, "tcp.send_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("postal.remote", s.address),
		attribute.Int("postal.batch_size", len(envs)),
	)

	payload, err := s.codec.Encode(envs)
	if err != nil {
		s.log.Errorw("Batch serialization failed", "remote", s.address, "error", err)
		return s.outcome(span, "serialization_failure", ErrSerializationFailure, func() { cb.MarkSerializationFailure(envs) })
	}
	metrics.ObserveWireFrameSize("outbound", len(payload))

	s.mu.Lock()
	code, err := s.exchange(payload)
	s.mu.Unlock()

	switch {
	case isTimeout(err):
		s.log.Warnw("Batch exchange timed out", "remote", s.address, "error", err)
		return s.outcome(span, "timed_out", ErrTimedOut, func() { cb.MarkTimedOut(envs) })
	case err != nil:
		s.log.Warnw("Batch exchange failed", "remote", s.address, "error", err)
		wrapped := fmt.Errorf("%w: %w", ErrProcessingFailure, err)
		return s.outcome(span, "processing_failure", wrapped, func() { cb.MarkProcessingFailure(envs, err) })
	}

	switch code {
	case Received:
		metrics.IncWireBatch("outbound", "received")
		cb.MarkSuccessful(envs)
		return nil
	case SerializationFailure:
		return s.outcome(span, "serialization_failure", ErrSerializationFailure, func() { cb.MarkSerializationFailure(envs) })
	case QueueDoesNotExist:
		return s.outcome(span, "queue_missing", ErrQueueDoesNotExist, func() { cb.MarkQueueDoesNotExist(envs) })
	default:
		return s.outcome(span, "processing_failure", ErrProcessingFailure, func() { cb.MarkProcessingFailure(envs, ErrProcessingFailure) })
	}
}

func (s *Sender) outcome(span trace.Span, label string, err error, mark func()) error {
	metrics.IncWireBatch("outbound", label)
	span.RecordError(err)
	span.SetStatus(codes.Error, label)
	mark()
	return err
}

// exchange writes the frame and reads the reply, acknowledging a
// Received. A reused connection the peer already dropped is redialed once.
func (s *Sender) exchange(payload []byte) (ControlCode, error) {
	reused := s.conn != nil

	code, err := s.tryExchange(payload)
	if err != nil && reused && isStale(err) {
		s.log.Debugw("Reconnecting stale connection", "remote", s.address, "error", err)
		code, err = s.tryExchange(payload)
	}
	return code, err
}

func (s *Sender) tryExchange(payload []byte) (ControlCode, error) {
	conn, err := s.connect()
	if err != nil {
		return "", err
	}

	code, err := s.roundTrip(conn, payload)
	if err != nil {
		s.dropConn()
		return "", err
	}
	return code, nil
}

func (s *Sender) roundTrip(conn net.Conn, payload []byte) (ControlCode, error) {
	if err := conn.SetDeadline(time.Now().Add(s.cfg.ExchangeTimeout)); err != nil {
		return "", err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return "", err
	}

	code, err := ReadCode(conn)
	if err != nil {
		return "", err
	}
	if code == Received {
		if err := WriteCode(conn, Acknowledged); err != nil {
			return "", err
		}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return "", err
	}
	return code, nil
}

func (s *Sender) connect() (net.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", s.address, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Sender) dropConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Ping sends a ping-only batch, which the remote answers without touching
// any receiver.
func (s *Sender) Ping(ctx context.Context) error {
	return s.SendBatch(ctx, []*envelope.Envelope{envelope.NewPing(s.Destination())}, nil)
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropConn()
	return nil
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isStale(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
