package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/envelope"
	"postal/pkg/circuitbreaker"
)

type fakeSink struct {
	name string
	mu   sync.Mutex
	got  []*envelope.ErrorReport
	err  error
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Publish(_ context.Context, r *envelope.ErrorReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, r)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func TestWithDeadLetterSinks_FansOut(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	store := WithDeadLetterSinks(mem, a, b)

	env := incoming(1)
	require.NoError(t, store.StoreIncoming(ctx, env))
	report, err := envelope.NewErrorReport(env, errors.New("poison"), ordersURI)
	require.NoError(t, err)

	require.NoError(t, store.MoveToDeadLetter(ctx, report))
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)

	letters, _ := mem.DeadLetters(ctx, 0)
	assert.Len(t, letters, 1)
}

func TestWithDeadLetterSinks_ReportsSinkFailure(t *testing.T) {
	ctx := context.Background()
	broken := &fakeSink{name: "broken", err: errors.New("broker unreachable")}
	ok := &fakeSink{name: "ok"}
	store := WithDeadLetterSinks(NewMemoryStore(), broken, ok)

	report, err := envelope.NewErrorReport(incoming(1), errors.New("poison"), ordersURI)
	require.NoError(t, err)

	err = store.MoveToDeadLetter(ctx, report)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, ok.got, 1)
}

func TestWithDeadLetterSinks_NoSinksIsIdentity(t *testing.T) {
	mem := NewMemoryStore()
	assert.Same(t, Store(mem), WithDeadLetterSinks(mem))
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) StoreIncoming(context.Context, *envelope.Envelope) error {
	return f.err
}

func TestCircuitBreakerStore_DuplicatesDoNotTrip(t *testing.T) {
	ctx := context.Background()
	cfg := circuitbreaker.DefaultConfig("store-dup")
	cfg.MinRequests = 2
	store := NewCircuitBreakerStore(&failingStore{MemoryStore: NewMemoryStore(), err: ErrDuplicate}, cfg)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, store.StoreIncoming(ctx, incoming(1)), ErrDuplicate)
	}
	assert.False(t, store.cb.IsOpen())
}

func TestCircuitBreakerStore_OpensOnFailures(t *testing.T) {
	ctx := context.Background()
	cfg := circuitbreaker.DefaultConfig("store-down")
	cfg.MinRequests = 2
	cfg.Timeout = time.Hour
	down := errors.New("connection refused")
	store := NewCircuitBreakerStore(&failingStore{MemoryStore: NewMemoryStore(), err: down}, cfg)

	assert.ErrorIs(t, store.StoreIncoming(ctx, incoming(1)), down)
	assert.ErrorIs(t, store.StoreIncoming(ctx, incoming(1)), down)
	assert.ErrorIs(t, store.StoreIncoming(ctx, incoming(1)), circuitbreaker.ErrOpen)

	claimed, err := store.ClaimIncoming(ctx, 1, ordersURI, 10)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Nil(t, claimed)
}
