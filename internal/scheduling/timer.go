package scheduling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/pkg/metrics"
)

// FireFunc receives an envelope whose scheduled time has come.
type FireFunc func(ctx context.Context, env *envelope.Envelope)

type entry struct {
	at  time.Time
	seq uint64
	env *envelope.Envelope
}

func (e *entry) Compare(other queue.Item) int {
	o := other.(*entry)
	switch {
	case e.at.Before(o.at):
		return -1
	case e.at.After(o.at):
		return 1
	case e.seq < o.seq:
		return -1
	case e.seq > o.seq:
		return 1
	}
	return 0
}

// Timer holds scheduled envelopes in memory, ordered by due time, and hands
// each one to the fire function once due. Nothing is persisted here.
type Timer struct {
	name string
	fire FireFunc
	log  logger.Logger

	items *queue.PriorityQueue
	seq   atomic.Uint64
	wake  chan struct{}

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewTimer(ctx context.Context, name string, fire FireFunc, log logger.Logger) *Timer {
	if log == nil {
		log = logger.NopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	t := &Timer{
		name:   name,
		fire:   fire,
		log:    log,
		items:  queue.NewPriorityQueue(16, true),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *Timer) Enqueue(at time.Time, env *envelope.Envelope) {
	if t.items.Disposed() {
		t.log.Warnw("Scheduled envelope dropped by stopped timer", "timer", t.name, "envelope_id", env.ID)
		return
	}
	env.Status = envelope.StatusScheduled
	if env.ScheduledTime == nil || !env.ScheduledTime.Equal(at) {
		at := at
		env.ScheduledTime = &at
	}

	if err := t.items.Put(&entry{at: at, seq: t.seq.Add(1), env: env}); err != nil {
		t.log.Warnw("Scheduled envelope dropped by stopped timer", "timer", t.name, "envelope_id", env.ID)
		return
	}
	metrics.SetScheduled(t.name, t.items.Len())

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) Count() int {
	return t.items.Len()
}

// Stop halts the timer. Envelopes still waiting are dropped; durable owners
// recover them from the store.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		<-t.done
		t.items.Dispose()
		metrics.SetScheduled(t.name, 0)
	})
}

func (t *Timer) run(ctx context.Context) {
	defer close(t.done)

	clock := time.NewTimer(time.Hour)
	defer clock.Stop()

	for {
		var due <-chan time.Time

		if head := t.items.Peek(); head != nil {
			wait := time.Until(head.(*entry).at)
			if wait <= 0 {
				t.fireNext(ctx)
				continue
			}
			clock.Reset(wait)
			due = clock.C
		}

		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-due:
		}
	}
}

func (t *Timer) fireNext(ctx context.Context) {
	items, err := t.items.Get(1)
	if err != nil || len(items) == 0 {
		return
	}
	metrics.SetScheduled(t.name, t.items.Len())

	e := items[0].(*entry)
	e.env.Status = envelope.StatusIncoming

	defer func() {
		if r := recover(); r != nil {
			t.log.Errorw("Scheduled envelope fire panicked", "timer", t.name, "envelope_id", e.env.ID, "panic", r)
		}
	}()
	t.fire(ctx, e.env)
}
