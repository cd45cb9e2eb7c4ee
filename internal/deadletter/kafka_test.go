package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/config"
	"postal/internal/envelope"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func report(t *testing.T) *envelope.ErrorReport {
	t.Helper()
	env := envelope.New("orders.placed", nil)
	env.Data = []byte(`{}`)
	env.Attempts = 3
	r, err := envelope.NewErrorReport(env, errors.New("poison"), "local://orders")
	require.NoError(t, err)
	return r
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &recordingWriter{}
	sink := NewKafkaSinkWithWriter(w, "postal.dead-letters", nil)
	r := report(t)

	require.NoError(t, sink.Publish(context.Background(), r))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "postal.dead-letters", msg.Topic)
	assert.Equal(t, r.EnvelopeID, string(msg.Key))
	assert.WithinDuration(t, time.Now(), msg.Time, time.Second)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "orders.placed", headers["message_type"])
	assert.Equal(t, "3", headers["attempts"])

	var decoded envelope.ErrorReport
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, r.ID, decoded.ID)
	assert.Equal(t, "poison", decoded.ExceptionMessage)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	sink := NewKafkaSinkWithWriter(w, "dl", nil)

	err := sink.Publish(context.Background(), report(t))
	assert.ErrorContains(t, err, "leader not available")
	assert.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewSinks_Disabled(t *testing.T) {
	sinks, err := NewSinks(config.DeadLetterConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, sinks)
}

func TestNewSinks_MongoWithoutDatabase(t *testing.T) {
	cfg := config.DeadLetterConfig{MongoDB: config.MongoSinkConfig{Enabled: true}}
	_, err := NewSinks(cfg, nil, nil)
	assert.Error(t, err)
}

func TestNewSinks_Kafka(t *testing.T) {
	cfg := config.DeadLetterConfig{Kafka: config.KafkaSinkConfig{
		Enabled: true,
		Brokers: []string{"localhost:9092"},
		Topic:   "postal.dead-letters",
	}}
	sinks, err := NewSinks(cfg, nil, nil)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "kafka", sinks[0].Name())
	assert.NoError(t, closeAll(sinks))
}
