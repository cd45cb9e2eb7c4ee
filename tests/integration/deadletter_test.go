//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postal/internal/config"
	"postal/internal/deadletter"
	"postal/internal/envelope"
	"postal/internal/persistence"
	"postal/pkg/migrations"
)

func TestMongoSink_ArchivesAndFinds(t *testing.T) {
	infra := SetupTestInfra(t, infraOptions{mongo: true})

	ctx := context.Background()
	require.NoError(t, migrations.EnsureDeadLetterCollection(ctx, infra.MongoDB, "dead_letters_test"))

	sink := deadletter.NewMongoSink(infra.MongoDB, "dead_letters_test")

	orders := createTestReport(t, ordersQueue)
	require.NoError(t, sink.Publish(ctx, orders))
	require.NoError(t, sink.Publish(ctx, orders), "republishing must upsert")

	time.Sleep(timestampDelay)
	billing := createTestReport(t, "billing")
	require.NoError(t, sink.Publish(ctx, billing))

	all, err := sink.Find(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, billing.ID, all[0].ID, "newest first")

	filtered, err := sink.Find(ctx, ordersQueue, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, orders.EnvelopeID, filtered[0].EnvelopeID)
	assert.Equal(t, "handler exploded", filtered[0].ExceptionMessage)

	env, err := filtered[0].RestoreEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "orders.placed", env.MessageType)
}

func TestStoreWithSinks_FansOutToMongo(t *testing.T) {
	infra := SetupTestInfra(t, infraOptions{mongo: true})

	ctx := context.Background()
	sink := deadletter.NewMongoSink(infra.MongoDB, "")
	store := persistence.WithDeadLetterSinks(persistence.NewMemoryStore(), sink)

	report := createTestReport(t, ordersQueue)
	require.NoError(t, store.MoveToDeadLetter(ctx, report))

	local, err := store.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, local, 1)

	archived, err := sink.Find(ctx, ordersQueue, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, report.ID, archived[0].ID)
}

func TestKafkaSink_PublishesReport(t *testing.T) {
	infra := SetupTestInfra(t, infraOptions{kafka: true})

	const topic = "postal_dead_letters_test"
	createTopic(t, infra.KafkaBrokers[0], topic)

	sink := deadletter.NewKafkaSink(config.KafkaSinkConfig{
		Enabled: true,
		Brokers: infra.KafkaBrokers,
		Topic:   topic,
	}, createTestLogger())
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := createTestReport(t, ordersQueue)
	require.NoError(t, sink.Publish(ctx, report))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   infra.KafkaBrokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()
	require.NoError(t, reader.SetOffset(kafka.FirstOffset))

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.EnvelopeID, string(msg.Key))

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "orders.placed", headers["message_type"])
	assert.Equal(t, ordersQueue, headers["endpoint"])
	assert.Equal(t, "3", headers["attempts"])

	var got envelope.ErrorReport
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, report.ID, got.ID)
	assert.Equal(t, report.ExceptionMessage, got.ExceptionMessage)
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}
