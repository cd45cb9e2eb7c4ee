package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/persistence"
	"postal/pkg/migrations"
)

const ordersURI = "tcp://localhost:2201/orders"

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", "file:"+filepath.Join(t.TempDir(), "postal.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, migrations.UpSQL(db.DB, constants.StoreSQLite))

	s, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func received(owner int) *envelope.Envelope {
	env := envelope.New("orders.placed", nil)
	env.Data = []byte(`{"order_id":"o-1"}`)
	env.Destination = ordersURI
	env.MarkReceived("tcp://peer", owner, time.Now())
	return env
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	_, err := New(sqlx.NewDb(nil, "mysql"), nil)
	assert.Error(t, err)
}

func TestStore_DuplicateDetection(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	env := received(1)

	require.NoError(t, s.StoreIncoming(ctx, env))
	assert.ErrorIs(t, s.StoreIncoming(ctx, env), persistence.ErrDuplicate)
}

func TestStore_BatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	existing := received(envelope.AnyNode)
	require.NoError(t, s.StoreIncoming(ctx, existing))

	fresh := received(envelope.AnyNode)
	err := s.StoreIncomingBatch(ctx, []*envelope.Envelope{fresh, existing})
	require.ErrorIs(t, err, persistence.ErrDuplicate)

	claimed, err := s.ClaimIncoming(ctx, 1, ordersURI, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, existing.ID, claimed[0].ID)
}

func TestStore_AttemptsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	env := received(envelope.AnyNode)
	require.NoError(t, s.StoreIncoming(ctx, env))

	env.Attempts = 2
	require.NoError(t, s.IncrementAttempts(ctx, env))
	env.Attempts = 1
	require.NoError(t, s.IncrementAttempts(ctx, env))

	claimed, err := s.ClaimIncoming(ctx, 1, ordersURI, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, 1, claimed[0].OwnerID)
	assert.Equal(t, `{"order_id":"o-1"}`, string(claimed[0].Data))
}

func TestStore_IncrementAttemptsOfUnknownEnvelope(t *testing.T) {
	s := newSQLiteStore(t)
	err := s.IncrementAttempts(context.Background(), received(1))
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_ScheduleAndClaim(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	env := received(3)
	require.NoError(t, s.StoreIncoming(ctx, env))

	env.Attempts = 1
	env.ScheduleUntil(time.Now().Add(-time.Second))
	require.NoError(t, s.ScheduleExecution(ctx, env))

	won, err := s.ClaimScheduled(ctx, env.ID, 4)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.ClaimScheduled(ctx, env.ID, 5)
	require.NoError(t, err)
	assert.False(t, won, "a claimed envelope is no longer scheduled")
}

func TestStore_ClaimDueScheduledSkipsFuture(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	due := received(1)
	due.ScheduleUntil(time.Now().Add(-time.Minute))
	later := received(1)
	later.ScheduleUntil(time.Now().Add(time.Hour))
	require.NoError(t, s.StoreIncomingBatch(ctx, []*envelope.Envelope{due, later}))

	claimed, err := s.ClaimDueScheduled(ctx, 6, ordersURI, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, envelope.StatusIncoming, claimed[0].Status)
	assert.Equal(t, 6, claimed[0].OwnerID)

	claimed, err = s.ClaimDueScheduled(ctx, 6, ordersURI, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestStore_ReleaseOwnership(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	mine := received(2)
	theirs := received(3)
	require.NoError(t, s.StoreIncomingBatch(ctx, []*envelope.Envelope{mine, theirs}))

	require.NoError(t, s.ReleaseOwnership(ctx, 2, ordersURI))

	claimed, err := s.ClaimIncoming(ctx, 9, ordersURI, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, mine.ID, claimed[0].ID)
}

func TestStore_HandledEnvelopesAreNotClaimed(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	env := received(envelope.AnyNode)
	require.NoError(t, s.StoreIncoming(ctx, env))
	require.NoError(t, s.MarkHandled(ctx, env.ID))

	claimed, err := s.ClaimIncoming(ctx, 1, ordersURI, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestStore_DeadLetterAndReplay(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	env := received(1)
	env.Attempts = 3
	require.NoError(t, s.StoreIncoming(ctx, env))

	report, err := envelope.NewErrorReport(env, errors.New("poison"), ordersURI)
	require.NoError(t, err)
	require.NoError(t, s.MoveToDeadLetter(ctx, report))
	require.NoError(t, s.MoveToDeadLetter(ctx, report), "moving twice is harmless")

	letters, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "poison", letters[0].ExceptionMessage)
	assert.Equal(t, ordersURI, letters[0].Endpoint)

	claimed, err := s.ClaimIncoming(ctx, 1, ordersURI, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead letters leave the inbox")

	require.NoError(t, s.ReplayDeadLetter(ctx, report.ID))
	assert.ErrorIs(t, s.ReplayDeadLetter(ctx, report.ID), persistence.ErrNotFound)

	claimed, err = s.ClaimIncoming(ctx, 1, ordersURI, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, env.ID, claimed[0].ID)
	assert.Equal(t, 3, claimed[0].Attempts)
}

func TestStore_DeleteHandledHonoursRetention(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old, recent, pending := received(1), received(1), received(1)
	require.NoError(t, s.StoreIncomingBatch(ctx, []*envelope.Envelope{old, recent, pending}))

	s.now = func() time.Time { return base }
	require.NoError(t, s.MarkHandled(ctx, old.ID))
	s.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.MarkHandled(ctx, recent.ID))

	deleted, err := s.DeleteHandled(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.ErrorIs(t, s.StoreIncoming(ctx, recent), persistence.ErrDuplicate)
	require.NoError(t, s.StoreIncoming(ctx, old), "purged ids are accepted again")

	deleted, err = s.DeleteHandled(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, deleted, "incoming envelopes are never purged")
}
