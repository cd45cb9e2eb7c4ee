package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/receiving"
	"postal/pkg/metrics"
	"postal/pkg/tracing"
)

// Codec turns a frame payload into envelopes and back.
type Codec interface {
	Encode(envs []*envelope.Envelope) ([]byte, error)
	Decode(data []byte) ([]*envelope.Envelope, error)
}

// ReceiverLookup resolves the local receiver for a destination queue.
type ReceiverLookup func(destination string) (receiving.Receiver, bool)

type ListenerConfig struct {
	Host string
	Port int
	// ExchangeTimeout bounds every write and the wait for the sender's
	// acknowledgement. Idle connections between frames are not timed out.
	ExchangeTimeout time.Duration
}

// Listener accepts node-to-node connections and feeds decoded batches to
// local receivers.
type Listener struct {
	cfg    ListenerConfig
	codec  Codec
	lookup ReceiverLookup
	log    logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool

	wg sync.WaitGroup
}

func NewListener(cfg ListenerConfig, codec Codec, lookup ReceiverLookup, log logger.Logger) *Listener {
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = constants.DefaultSocketTimeout
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Listener{
		cfg:    cfg,
		codec:  codec,
		lookup: lookup,
		log:    log,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.accept(ctx, ln)

	l.log.Infow("TCP listener started", "address", l.Address())
	return nil
}

// Address is the tcp:// URI peers connect to, or empty before Start.
func (l *Listener) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return "tcp://" + l.listener.Addr().String()
}

// Addr is the bound host:port.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Stop closes the socket and every open connection, then waits for their
// goroutines, bounded by ctx.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.log.Infow("TCP listener stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) accept(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.log.Warnw("Accept failed", "error", err)
			continue
		}

		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.serve(ctx, conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.log.Debugw("Connection closed", "remote", remote, "error", err)
			}
			return
		}
		metrics.ObserveWireFrameSize("inbound", len(payload))

		if err := l.exchange(ctx, conn, remote, payload); err != nil {
			l.log.Warnw("Exchange failed, dropping connection", "remote", remote, "error", err)
			return
		}
	}
}

// exchange answers one frame. A returned error means the connection is no
// longer usable.
func (l *Listener) exchange(ctx context.Context, conn net.Conn, remote string, payload []byte) error {
	envs, err := l.codec.Decode(payload)
	if err != nil || len(envs) == 0 {
		l.log.Warnw("Undecodable batch", "remote", remote, "bytes", len(payload), "error", err)
		metrics.IncWireBatch("inbound", "serialization_failure")
		return l.reply(conn, SerializationFailure)
	}

	if allPings(envs) {
		if err := l.reply(conn, Received); err != nil {
			return err
		}
		metrics.IncWireBatch("inbound", "ping")
		return l.awaitAck(conn)
	}

	destination := envs[0].Destination
	receiver, ok := l.lookup(destination)
	if !ok {
		l.log.Warnw("Batch for unknown queue", "remote", remote, "destination", destination)
		metrics.IncWireBatch("inbound", "queue_missing")
		return l.reply(conn, QueueDoesNotExist)
	}

	ctx, span := tracing.Tracer().Start(ctx, "tcp.receive_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("postal.destination", destination),
		attribute.Int("postal.batch_size", len(envs)),
	)

	settled := newBatchListener("tcp://"+remote, len(envs))
	err = receiver.ReceiveBatch(ctx, settled, envs)
	if err == nil {
		err = settled.wait(l.cfg.ExchangeTimeout)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.Warnw("Batch not accepted", "remote", remote, "destination", destination, "error", err)
		metrics.IncWireBatch("inbound", "processing_failure")
		return l.reply(conn, ProcessingFailure)
	}

	if err := l.reply(conn, Received); err != nil {
		return err
	}
	metrics.IncWireBatch("inbound", "received")
	return l.awaitAck(conn)
}

func (l *Listener) reply(conn net.Conn, code ControlCode) error {
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.ExchangeTimeout)); err != nil {
		return err
	}
	return WriteCode(conn, code)
}

func (l *Listener) awaitAck(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ExchangeTimeout)); err != nil {
		return err
	}
	code, err := ReadCode(conn)
	if err != nil {
		return err
	}
	if code != Acknowledged {
		return fmt.Errorf("expected %s, got %s", Acknowledged, code)
	}
	return conn.SetReadDeadline(time.Time{})
}

func allPings(envs []*envelope.Envelope) bool {
	for _, env := range envs {
		if !env.IsPing() {
			return false
		}
	}
	return true
}

var (
	errDeferred      = errors.New("receiver deferred part of the batch")
	errSettleTimeout = errors.New("batch was not settled in time")
)

// batchListener collects the receiver's verdict on one inbound batch.
type batchListener struct {
	address string

	mu       sync.Mutex
	pending  int
	deferred bool
	done     chan struct{}
}

func newBatchListener(address string, size int) *batchListener {
	return &batchListener{address: address, pending: size, done: make(chan struct{})}
}

func (b *batchListener) Address() string {
	return b.address
}

func (b *batchListener) Complete(_ context.Context, envs ...*envelope.Envelope) error {
	b.settle(len(envs), false)
	return nil
}

func (b *batchListener) Defer(_ context.Context, envs ...*envelope.Envelope) error {
	b.settle(len(envs), true)
	return nil
}

func (b *batchListener) settle(n int, deferred bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending <= 0 {
		return
	}
	b.deferred = b.deferred || deferred
	b.pending -= n
	if b.pending <= 0 {
		close(b.done)
	}
}

func (b *batchListener) wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-b.done:
	case <-timer.C:
		return errSettleTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deferred {
		return errDeferred
	}
	return nil
}
