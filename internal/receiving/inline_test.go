package receiving

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/envelope"
	"postal/internal/pipeline"
)

func TestInline_CompletesAfterHandler(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newScriptedHandler()
	r := NewInline(ctx, Options{Address: testAddress, Handler: handler})

	listener := &recordingListener{}
	require.NoError(t, r.Receive(ctx, listener, newMessage()))

	assert.Equal(t, 1, handler.callCount())
	completed, deferred := listener.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, deferred)
	assert.Zero(t, r.QueueCount())
	require.NoError(t, r.Drain(ctx))
}

func TestInline_DeferGoesBackToListener(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewInline(ctx, Options{Address: testAddress, Handler: newScriptedHandler(deferOnce)})

	listener := &recordingListener{}
	env := newMessage()
	require.NoError(t, r.Receive(ctx, listener, env))

	completed, deferred := listener.counts()
	assert.Zero(t, completed)
	assert.Equal(t, 1, deferred)
	assert.Equal(t, 1, env.Attempts)
	require.NoError(t, r.Drain(ctx))
}

func TestInline_HandlerErrorDefersAndReturnsIt(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("cannot settle")
	r := NewInline(ctx, Options{Address: testAddress, Handler: pipeline.HandlerFunc(
		func(context.Context, *envelope.Envelope, pipeline.Callback) error { return boom },
	)})

	listener := &recordingListener{}
	err := r.Receive(ctx, listener, newMessage())
	assert.ErrorIs(t, err, boom)
	_, deferred := listener.counts()
	assert.Equal(t, 1, deferred)
	require.NoError(t, r.Drain(ctx))
}

func TestInline_PingIsAcknowledgedWithoutHandler(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newScriptedHandler()
	r := NewInline(ctx, Options{Address: testAddress, Handler: handler})

	listener := &recordingListener{}
	require.NoError(t, r.ReceiveBatch(ctx, listener, []*envelope.Envelope{envelope.NewPing(testAddress)}))

	completed, _ := listener.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, handler.callCount())
	require.NoError(t, r.Drain(ctx))
}

func TestInline_EnqueueRetriesDeferralThroughTimer(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newScriptedHandler(deferOnce)
	r := NewInline(ctx, Options{Address: testAddress, Handler: handler})

	require.NoError(t, r.Enqueue(ctx, newMessage()))
	seen := handler.wait(t, 2)
	assert.Equal(t, 1, seen[1].Attempts)
	require.NoError(t, r.Drain(ctx))
}

func TestInline_DrainRejectsNewWork(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewInline(ctx, Options{Address: testAddress, Handler: newScriptedHandler()})
	require.NoError(t, r.Drain(ctx))
	require.NoError(t, r.Drain(ctx))

	listener := &recordingListener{}
	assert.ErrorIs(t, r.Receive(ctx, listener, newMessage()), ErrDraining)
	assert.ErrorIs(t, r.Enqueue(ctx, newMessage()), ErrDraining)

	_, deferred := listener.counts()
	assert.Equal(t, 1, deferred)

	scheduled := newMessage()
	scheduled.ScheduleUntil(time.Now().Add(time.Hour))
	r.Schedule(time.Now().Add(time.Hour), scheduled)
}
