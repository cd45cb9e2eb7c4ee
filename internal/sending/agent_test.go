package sending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/envelope"
	"postal/internal/persistence"
	"postal/internal/pipeline"
	"postal/internal/receiving"
)

const ordersURI = "local://orders"

type fakeReceiver struct {
	mu        sync.Mutex
	enqueued  []*envelope.Envelope
	scheduled []time.Time
	err       error
}

func (r *fakeReceiver) Address() string { return ordersURI }

func (r *fakeReceiver) Receive(context.Context, receiving.Listener, *envelope.Envelope) error {
	return nil
}

func (r *fakeReceiver) ReceiveBatch(context.Context, receiving.Listener, []*envelope.Envelope) error {
	return nil
}

func (r *fakeReceiver) Enqueue(_ context.Context, env *envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.enqueued = append(r.enqueued, env)
	return nil
}

func (r *fakeReceiver) Schedule(at time.Time, _ *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, at)
}

func (r *fakeReceiver) Drain(context.Context) error { return nil }

func (r *fakeReceiver) QueueCount() int { return 0 }

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

func TestBuffered_StampsAndEnqueues(t *testing.T) {
	recv := &fakeReceiver{}
	agent := NewBuffered(Options{Destination: ordersURI, ReplyURI: "tcp://me:2201", NodeID: 4, Receiver: recv})

	env := envelope.New("orders.placed", orderPlaced{OrderID: "o-1"})
	require.NoError(t, agent.Send(context.Background(), env))

	require.Len(t, recv.enqueued, 1)
	assert.Equal(t, ordersURI, env.Destination)
	assert.Equal(t, "tcp://me:2201", env.ReplyURI)
	assert.False(t, env.SentAt.IsZero())
	assert.Equal(t, envelope.StatusIncoming, env.Status)
	assert.Equal(t, 4, env.OwnerID)
}

func TestBuffered_KeepsExplicitReplyURI(t *testing.T) {
	recv := &fakeReceiver{}
	agent := NewBuffered(Options{Destination: ordersURI, ReplyURI: "tcp://me:2201", Receiver: recv})

	env := envelope.New("orders.placed", orderPlaced{})
	env.ReplyURI = "tcp://elsewhere:2201"
	require.NoError(t, agent.Send(context.Background(), env))
	assert.Equal(t, "tcp://elsewhere:2201", env.ReplyURI)
}

func TestBuffered_FutureScheduleGoesToTimer(t *testing.T) {
	recv := &fakeReceiver{}
	agent := NewBuffered(Options{Destination: ordersURI, Receiver: recv})

	env := envelope.New("orders.placed", orderPlaced{})
	at := time.Now().Add(time.Hour)
	env.ScheduledTime = &at
	require.NoError(t, agent.Send(context.Background(), env))

	assert.Empty(t, recv.enqueued)
	require.Len(t, recv.scheduled, 1)
	assert.True(t, recv.scheduled[0].Equal(at))
	assert.Equal(t, envelope.StatusScheduled, env.Status)
}

func TestBuffered_PastScheduleDispatchesImmediately(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan *envelope.Envelope, 1)
	recv := receiving.NewBuffered(ctx, receiving.Options{
		Address: ordersURI,
		Handler: pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope, cb pipeline.Callback) error {
			handled <- env
			return cb.Complete(ctx, env)
		}),
	})
	agent := NewBuffered(Options{Destination: ordersURI, Receiver: recv})

	env := envelope.New("orders.placed", orderPlaced{})
	past := time.Now().Add(-time.Minute)
	env.ScheduledTime = &past
	require.NoError(t, agent.Send(ctx, env))

	select {
	case got := <-handled:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, envelope.StatusIncoming, got.Status)
	case <-time.After(time.Second):
		t.Fatal("envelope scheduled in the past was not dispatched")
	}

	require.NoError(t, agent.Drain(ctx))
	require.NoError(t, recv.Drain(ctx))
}

func TestBuffered_DrainLatchesSends(t *testing.T) {
	agent := NewBuffered(Options{Destination: ordersURI, Receiver: &fakeReceiver{}})
	require.NoError(t, agent.Drain(context.Background()))
	require.NoError(t, agent.Drain(context.Background()))

	err := agent.Send(context.Background(), envelope.New("orders.placed", orderPlaced{}))
	assert.ErrorIs(t, err, ErrDraining)
}

func TestNewDurable_RequiresStore(t *testing.T) {
	_, err := NewDurable(Options{Destination: ordersURI})
	assert.Error(t, err)
}

func TestDurable_PersistsThenEnqueues(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	recv := &fakeReceiver{}
	agent, err := NewDurable(Options{Destination: ordersURI, NodeID: 2, Receiver: recv, Store: store})
	require.NoError(t, err)

	env := envelope.New("orders.placed", orderPlaced{OrderID: "o-7"})
	require.NoError(t, agent.Send(ctx, env))

	stored, ok := store.Get(env.ID)
	require.True(t, ok)
	assert.Equal(t, envelope.StatusIncoming, stored.Status)
	assert.Equal(t, 2, stored.OwnerID)
	assert.JSONEq(t, `{"order_id":"o-7"}`, string(stored.Data))
	assert.Equal(t, envelope.ContentTypeJSON, stored.ContentType)
	require.Len(t, recv.enqueued, 1)
}

func TestDurable_FutureScheduleIsStoredForAnyNode(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	recv := &fakeReceiver{}
	agent, err := NewDurable(Options{Destination: ordersURI, NodeID: 2, Receiver: recv, Store: store})
	require.NoError(t, err)

	env := envelope.New("orders.placed", orderPlaced{})
	at := time.Now().Add(time.Hour)
	env.ScheduledTime = &at
	require.NoError(t, agent.Send(ctx, env))

	stored, ok := store.Get(env.ID)
	require.True(t, ok)
	assert.Equal(t, envelope.StatusScheduled, stored.Status)
	assert.Equal(t, envelope.AnyNode, stored.OwnerID)
	assert.Empty(t, recv.enqueued)
	assert.Len(t, recv.scheduled, 1)
}

type brokenStore struct {
	persistence.Store
}

func (brokenStore) StoreIncoming(context.Context, *envelope.Envelope) error {
	return errors.New("connection reset")
}

func TestDurable_StoreFailureIsReturnedAndNothingDispatched(t *testing.T) {
	recv := &fakeReceiver{}
	agent, err := NewDurable(Options{Destination: ordersURI, Receiver: recv, Store: brokenStore{}})
	require.NoError(t, err)

	err = agent.Send(context.Background(), envelope.New("orders.placed", orderPlaced{}))
	assert.ErrorContains(t, err, "connection reset")
	assert.Empty(t, recv.enqueued)
}

func TestDurable_DuplicateSendIsNotDispatchedTwice(t *testing.T) {
	ctx := context.Background()
	recv := &fakeReceiver{}
	agent, err := NewDurable(Options{Destination: ordersURI, Receiver: recv, Store: persistence.NewMemoryStore()})
	require.NoError(t, err)

	env := envelope.New("orders.placed", orderPlaced{})
	require.NoError(t, agent.Send(ctx, env))
	require.NoError(t, agent.Send(ctx, env))
	assert.Len(t, recv.enqueued, 1)
}

func TestDurable_EnqueueFailureStillSucceeds(t *testing.T) {
	store := persistence.NewMemoryStore()
	recv := &fakeReceiver{err: receiving.ErrDraining}
	agent, err := NewDurable(Options{Destination: ordersURI, Receiver: recv, Store: store})
	require.NoError(t, err)

	env := envelope.New("orders.placed", orderPlaced{})
	require.NoError(t, agent.Send(context.Background(), env))
	_, ok := store.Get(env.ID)
	assert.True(t, ok)
}

func TestDurable_MessageWithoutBodyFails(t *testing.T) {
	agent, err := NewDurable(Options{Destination: ordersURI, Receiver: &fakeReceiver{}, Store: persistence.NewMemoryStore()})
	require.NoError(t, err)

	err = agent.Send(context.Background(), envelope.New("orders.placed", nil))
	assert.Error(t, err)
}
