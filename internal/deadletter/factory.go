package deadletter

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"postal/internal/config"
	"postal/internal/logger"
	"postal/internal/persistence"
)

// NewSinks builds every enabled sink. mongoDB may be nil when the MongoDB
// sink is disabled.
func NewSinks(cfg config.DeadLetterConfig, mongoDB *mongo.Database, log logger.Logger) ([]persistence.DeadLetterSink, error) {
	var sinks []persistence.DeadLetterSink

	if cfg.MongoDB.Enabled {
		if mongoDB == nil {
			return nil, fmt.Errorf("mongodb dead letter sink enabled but database.mongodb.uri is empty")
		}
		sinks = append(sinks, NewMongoSink(mongoDB, cfg.MongoDB.Collection))
	}

	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka, log))
	}

	if cfg.RabbitMQ.Enabled {
		sink, err := NewRabbitMQSink(cfg.RabbitMQ, log)
		if err != nil {
			closeAll(sinks)
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	return sinks, nil
}

func closeAll(sinks []persistence.DeadLetterSink) error {
	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
