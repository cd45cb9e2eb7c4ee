package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"postal/internal/config"
	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/pkg/tracing"
)

// MessageWriter is the part of kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every dead letter to a topic, keyed by envelope id so
// reports for one envelope stay on one partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger logger.Logger
}

func NewKafkaSink(cfg config.KafkaSinkConfig, log logger.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return NewKafkaSinkWithWriter(w, cfg.Topic, log)
}

func NewKafkaSinkWithWriter(w MessageWriter, topic string, log logger.Logger) *KafkaSink {
	if log == nil {
		log = logger.NopLogger()
	}
	return &KafkaSink{writer: w, topic: topic, logger: log}
}

func (s *KafkaSink) Name() string {
	return constants.SinkKafka
}

func (s *KafkaSink) Publish(ctx context.Context, report *envelope.ErrorReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	headers := []kafka.Header{
		{Key: "message_type", Value: []byte(report.MessageType)},
		{Key: "endpoint", Value: []byte(report.Endpoint)},
		{Key: "exception_type", Value: []byte(report.ExceptionType)},
		{Key: "attempts", Value: []byte(strconv.Itoa(report.Attempts))},
	}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic:   s.topic,
		Key:     []byte(report.EnvelopeID),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write dead letter to kafka: %w", err)
	}

	s.logger.DebugwCtx(ctx, "Dead letter published",
		"topic", s.topic,
		"envelope_id", report.EnvelopeID,
	)
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
