package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/envelope"
)

type recorder struct {
	mu    sync.Mutex
	fired []*envelope.Envelope
	at    []time.Time
	ch    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) fire(_ context.Context, env *envelope.Envelope) {
	r.mu.Lock()
	r.fired = append(r.fired, env)
	r.at = append(r.at, time.Now())
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for fire %d of %d", i+1, n)
		}
	}
}

func TestTimer_FiresNotBeforeDueTime(t *testing.T) {
	defer leaktest.Check(t)()

	rec := newRecorder()
	timer := NewTimer(context.Background(), "local://orders", rec.fire, nil)
	defer timer.Stop()

	env := envelope.New("orders.placed", nil)
	start := time.Now()
	due := start.Add(200 * time.Millisecond)
	timer.Enqueue(due, env)
	assert.Equal(t, 1, timer.Count())

	rec.wait(t, 1)

	rec.mu.Lock()
	firedAt := rec.at[0]
	rec.mu.Unlock()

	assert.False(t, firedAt.Before(due), "fired %v before due time", due.Sub(firedAt))
	assert.Less(t, firedAt.Sub(due), 500*time.Millisecond)
	assert.Equal(t, envelope.StatusIncoming, env.Status)
	assert.Equal(t, 0, timer.Count())
}

func TestTimer_OrdersByDueTime(t *testing.T) {
	defer leaktest.Check(t)()

	rec := newRecorder()
	timer := NewTimer(context.Background(), "local://orders", rec.fire, nil)
	defer timer.Stop()

	now := time.Now()
	late := envelope.New("late", nil)
	early := envelope.New("early", nil)
	middle := envelope.New("middle", nil)

	timer.Enqueue(now.Add(90*time.Millisecond), late)
	timer.Enqueue(now.Add(30*time.Millisecond), early)
	timer.Enqueue(now.Add(60*time.Millisecond), middle)

	rec.wait(t, 3)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.fired, 3)
	assert.Equal(t, "early", rec.fired[0].MessageType)
	assert.Equal(t, "middle", rec.fired[1].MessageType)
	assert.Equal(t, "late", rec.fired[2].MessageType)
}

func TestTimer_PastDueFiresImmediately(t *testing.T) {
	defer leaktest.Check(t)()

	rec := newRecorder()
	timer := NewTimer(context.Background(), "local://orders", rec.fire, nil)
	defer timer.Stop()

	timer.Enqueue(time.Now().Add(-time.Minute), envelope.New("orders.placed", nil))
	rec.wait(t, 1)
}

func TestTimer_StopDropsPending(t *testing.T) {
	defer leaktest.Check(t)()

	rec := newRecorder()
	timer := NewTimer(context.Background(), "local://orders", rec.fire, nil)

	timer.Enqueue(time.Now().Add(time.Hour), envelope.New("orders.placed", nil))
	timer.Stop()
	timer.Stop()

	timer.Enqueue(time.Now(), envelope.New("orders.placed", nil))
	select {
	case <-rec.ch:
		t.Fatal("stopped timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimer_StopsWithParentContext(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	timer := NewTimer(ctx, "local://orders", newRecorder().fire, nil)
	cancel()
	timer.Stop()
}
