package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"postal/internal/logger"
	"postal/pkg/metrics"
)

var ErrPipelineClosed = errors.New("retry pipeline is closed")

// Operation is the fallible unit of work a Pipeline keeps retrying.
type Operation[T any] func(ctx context.Context, item T) error

type PipelineConfig struct {
	Name    string
	Workers int
	Policy  Policy
}

// Pipeline queues items for one operation and retries each with backoff
// until it succeeds, fails permanently, or the parent context ends. Post never
// blocks: the pending list is unbounded.
type Pipeline[T any] struct {
	name   string
	op     Operation[T]
	policy Policy
	log    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []T
	closed   bool
	disposed bool

	wg sync.WaitGroup
}

func NewPipeline[T any](ctx context.Context, cfg PipelineConfig, op Operation[T], log logger.Logger) *Pipeline[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.NopLogger()
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &Pipeline[T]{
		name:   cfg.Name,
		op:     op,
		policy: cfg.Policy,
		log:    log,
		ctx:    pctx,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	stop := context.AfterFunc(pctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.work()
	}

	go func() {
		p.wg.Wait()
		stop()
	}()

	return p
}

func (p *Pipeline[T]) Name() string {
	return p.name
}

func (p *Pipeline[T]) Post(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	p.pending = append(p.pending, item)
	metrics.SetPipelinePending(p.name, len(p.pending))
	p.cond.Signal()
	return nil
}

// Pending is the number of items not yet picked up by a worker.
func (p *Pipeline[T]) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Drain stops intake and waits until every posted item has been processed or
// ctx ends. Draining twice, or after Dispose, returns nil.
func (p *Pipeline[T]) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose drops pending items and cancels the ones in flight.
func (p *Pipeline[T]) Dispose() {
	p.mu.Lock()
	dropped := len(p.pending)
	p.closed = true
	p.disposed = true
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	metrics.SetPipelinePending(p.name, 0)
	if dropped > 0 {
		p.log.Warnw("Retry pipeline disposed with pending items", "pipeline", p.name, "dropped", dropped)
	}
}

func (p *Pipeline[T]) work() {
	defer p.wg.Done()

	for {
		item, ok := p.next()
		if !ok {
			return
		}
		p.process(item)
	}
}

func (p *Pipeline[T]) next() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	for len(p.pending) == 0 {
		if p.closed || p.ctx.Err() != nil {
			return zero, false
		}
		p.cond.Wait()
	}
	if p.disposed || p.ctx.Err() != nil {
		if n := len(p.pending); n > 0 {
			p.log.Warnw("Retry pipeline stopping with pending items", "pipeline", p.name, "abandoned", n)
			metrics.IncPipelineFailure(p.name, "cancelled")
			p.pending = nil
		}
		return zero, false
	}

	item := p.pending[0]
	p.pending[0] = zero
	p.pending = p.pending[1:]
	metrics.SetPipelinePending(p.name, len(p.pending))
	return item, true
}

func (p *Pipeline[T]) process(item T) {
	err := RetryWithCallback(p.ctx, p.policy, func() error {
		return p.op(p.ctx, item)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncPipelineRetry(p.name)
		p.log.Warnw("Retrying persistence operation",
			"pipeline", p.name,
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})

	switch {
	case err == nil:
	case p.ctx.Err() != nil:
		metrics.IncPipelineFailure(p.name, "cancelled")
		p.log.Warnw("Persistence operation abandoned", "pipeline", p.name, "error", err)
	case IsPermanent(err):
		metrics.IncPipelineFailure(p.name, "permanent")
		p.log.Errorw("Persistence operation failed permanently", "pipeline", p.name, "error", err)
	default:
		metrics.IncPipelineFailure(p.name, "exhausted")
		p.log.Errorw("Persistence operation gave up", "pipeline", p.name, "error", err)
	}
}
