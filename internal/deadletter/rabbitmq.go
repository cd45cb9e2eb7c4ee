package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"postal/internal/config"
	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
)

var errNotConfirmed = errors.New("broker did not confirm dead letter")

// RabbitMQSink publishes dead letters to a durable topic exchange with
// publisher confirms.
type RabbitMQSink struct {
	cfg    config.RabbitMQSinkConfig
	logger logger.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQSink(cfg config.RabbitMQSinkConfig, log logger.Logger) (*RabbitMQSink, error) {
	if log == nil {
		log = logger.NopLogger()
	}
	s := &RabbitMQSink{cfg: cfg, logger: log}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RabbitMQSink) connect() error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		s.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", s.cfg.Exchange, err)
	}

	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	s.conn = conn
	s.channel = channel
	return nil
}

func (s *RabbitMQSink) Name() string {
	return constants.SinkRabbitMQ
}

// Publish reconnects once if the channel was closed underneath it.
func (s *RabbitMQSink) Publish(ctx context.Context, report *envelope.ErrorReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  envelope.ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    report.ID,
		Timestamp:    report.Time,
		Type:         report.MessageType,
		Body:         body,
		Headers: amqp.Table{
			"endpoint":       report.Endpoint,
			"exception_type": report.ExceptionType,
			"attempts":       int32(report.Attempts),
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil || s.channel.IsClosed() {
		s.logger.Warnw("RabbitMQ channel closed, reconnecting", "exchange", s.cfg.Exchange)
		if err := s.connect(); err != nil {
			return err
		}
	}

	confirm, err := s.channel.PublishWithDeferredConfirmWithContext(ctx, s.cfg.Exchange, s.routingKey(report), false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.SinkPublishTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return errNotConfirmed
	}
	return nil
}

func (s *RabbitMQSink) routingKey(report *envelope.ErrorReport) string {
	if s.cfg.RoutingKey != "" {
		return s.cfg.RoutingKey
	}
	return report.MessageType
}

func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.channel = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
