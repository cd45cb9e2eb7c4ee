package envelope

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "postal/pkg/errors"
)

type orderPlaced struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

func TestNew_Defaults(t *testing.T) {
	env := New("orders.placed", orderPlaced{OrderID: "o-1"})

	assert.NotEqual(t, uuid.Nil, env.ID)
	assert.Equal(t, StatusIncoming, env.Status)
	assert.Equal(t, 0, env.Attempts)
	assert.False(t, env.IsPing())
	assert.True(t, NewPing("local://orders").IsPing())
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	env := New("orders.placed", nil)
	assert.False(t, env.IsExpired(now))

	past := now.Add(-time.Second)
	env.DeliverBy = &past
	assert.True(t, env.IsExpired(now))

	future := now.Add(time.Minute)
	env.DeliverBy = &future
	assert.False(t, env.IsExpired(now))
}

func TestMarkReceived(t *testing.T) {
	now := time.Now()

	t.Run("incoming owned by receiving node", func(t *testing.T) {
		env := New("orders.placed", nil)
		env.MarkReceived("tcp://10.0.0.1:2201", 7, now)

		assert.Equal(t, StatusIncoming, env.Status)
		assert.Equal(t, 7, env.OwnerID)
		assert.Equal(t, "tcp://10.0.0.1:2201", env.Source)
		assert.Equal(t, now, env.ReceivedAt)
	})

	t.Run("future schedule goes to any node", func(t *testing.T) {
		env := New("orders.placed", nil)
		at := now.Add(time.Hour)
		env.ScheduledTime = &at
		env.MarkReceived("tcp://10.0.0.1:2201", 7, now)

		assert.Equal(t, StatusScheduled, env.Status)
		assert.Equal(t, AnyNode, env.OwnerID)
	})

	t.Run("past schedule is incoming", func(t *testing.T) {
		env := New("orders.placed", nil)
		at := now.Add(-time.Hour)
		env.ScheduledTime = &at
		env.MarkReceived("", 3, now)

		assert.Equal(t, StatusIncoming, env.Status)
		assert.Equal(t, 3, env.OwnerID)
	})
}

func TestScheduleUntil(t *testing.T) {
	env := New("orders.placed", nil)
	env.OwnerID = 4
	at := time.Now().Add(time.Minute)
	env.ScheduleUntil(at)

	assert.Equal(t, StatusScheduled, env.Status)
	assert.Equal(t, AnyNode, env.OwnerID)
	require.NotNil(t, env.ScheduledTime)
	assert.True(t, env.ScheduledTime.Equal(at))
}

func TestClone_Independent(t *testing.T) {
	env := New("orders.placed", nil)
	env.SetHeader("tenant", "a")
	deliverBy := time.Now().Add(time.Minute)
	env.DeliverBy = &deliverBy

	c := env.Clone()
	c.SetHeader("tenant", "b")
	c.DeliverBy = nil
	c.Attempts = 5

	assert.Equal(t, "a", env.Header("tenant"))
	assert.NotNil(t, env.DeliverBy)
	assert.Equal(t, 0, env.Attempts)
	assert.Equal(t, env.ID, c.ID)
}

func TestEnsureData_CachesBytes(t *testing.T) {
	s := NewSerializer()
	env := New("orders.placed", orderPlaced{OrderID: "o-1", Amount: 10})

	require.NoError(t, env.EnsureData(s))
	first := env.Data
	assert.Equal(t, ContentTypeJSON, env.ContentType)
	assert.JSONEq(t, `{"order_id":"o-1","amount":10}`, string(first))

	env.Message = orderPlaced{OrderID: "changed"}
	require.NoError(t, env.EnsureData(s))
	assert.Equal(t, first, env.Data)
}

func TestEnsureData_PingHasNoPayload(t *testing.T) {
	env := NewPing("local://orders")
	require.NoError(t, env.EnsureData(NewSerializer()))
	assert.Nil(t, env.Data)

	empty := New("orders.placed", nil)
	assert.Error(t, empty.EnsureData(NewSerializer()))
}

func TestSerializer_RoundTripRegisteredType(t *testing.T) {
	s := NewSerializer()
	s.Register("orders.placed", &orderPlaced{})

	env := New("orders.placed", nil)
	env.Data = []byte(`{"order_id":"o-9","amount":2.5}`)
	require.NoError(t, env.EnsureMessage(s))

	msg, ok := env.Message.(*orderPlaced)
	require.True(t, ok)
	assert.Equal(t, "o-9", msg.OrderID)

	_, err := s.Unmarshal("unknown.type", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	s.Clear()
	assert.False(t, s.Registered("orders.placed"))
}

func TestBatchCodec(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			codec, err := NewBatchCodec(compress)
			require.NoError(t, err)
			defer codec.Close()

			a := New("orders.placed", nil)
			a.Data = []byte(`{"order_id":"o-1"}`)
			a.Destination = "local://orders"
			at := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
			a.ScheduledTime = &at
			b := NewPing("local://orders")

			data, err := codec.Encode([]*Envelope{a, b})
			require.NoError(t, err)
			if compress {
				assert.Equal(t, zstdMagic, data[:4])
			}

			out, err := codec.Decode(data)
			require.NoError(t, err)
			require.Len(t, out, 2)
			assert.Equal(t, a.ID, out[0].ID)
			assert.Equal(t, a.Data, out[0].Data)
			assert.True(t, at.Equal(*out[0].ScheduledTime))
			assert.True(t, out[1].IsPing())
		})
	}
}

func TestBatchCodec_DecodeGarbage(t *testing.T) {
	codec, err := NewBatchCodec(false)
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode([]byte("not a batch"))
	assert.Error(t, err)
	_, err = codec.Decode([]byte("[null]"))
	assert.Error(t, err)
}

func TestNewErrorReport(t *testing.T) {
	env := New("orders.placed", nil)
	env.Data = []byte(`{}`)
	env.Attempts = 3

	report, err := NewErrorReport(env, fmt.Errorf("handle: %w", errors.New("db down")), "local://orders")
	require.NoError(t, err)
	assert.Equal(t, env.ID.String(), report.EnvelopeID)
	assert.Equal(t, "*errors.errorString", report.ExceptionType)
	assert.Equal(t, "handle: db down", report.ExceptionMessage)
	assert.Equal(t, 3, report.Attempts)

	restored, err := report.RestoreEnvelope()
	require.NoError(t, err)
	assert.Equal(t, env.ID, restored.ID)

	panicked, err := NewErrorReport(env, apperrors.RecoverPanic("boom"), "local://orders")
	require.NoError(t, err)
	assert.Equal(t, "HANDLER_FAILED", panicked.ExceptionType)
	assert.NotEmpty(t, panicked.StackTrace)
}
