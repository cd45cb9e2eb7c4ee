package config

import (
	"fmt"
	"net"
	"strings"

	"postal/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateNode(cfg.Node); err != nil {
		errors = append(errors, err)
	}

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateListener(cfg.Listener); err != nil {
		errors = append(errors, err)
	}

	if err := validateEndpoints(cfg.Endpoints); err != nil {
		errors = append(errors, err)
	}

	if err := validatePersistence(cfg.Persistence, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateDeadLetters(cfg.DeadLetters, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validatePolicy(cfg.Policy); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateNode(cfg NodeConfig) error {
	if cfg.ID <= 0 {
		return &ValidationError{
			Field:   "node.id",
			Message: fmt.Sprintf("node id must be positive (0 is reserved for any node), got %d", cfg.ID),
		}
	}
	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateListener(cfg ListenerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "listener.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ConnectTimeout <= 0 {
		return &ValidationError{
			Field:   "listener.connect_timeout",
			Message: "connect timeout must be positive",
		}
	}

	if cfg.ExchangeTimeout <= 0 {
		return &ValidationError{
			Field:   "listener.exchange_timeout",
			Message: "exchange timeout must be positive",
		}
	}

	return nil
}

func validateEndpoints(endpoints []EndpointConfig) error {
	seen := make(map[string]bool, len(endpoints))

	for i, ep := range endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)

		if ep.Name == "" {
			return &ValidationError{Field: field + ".name", Message: "endpoint name is required"}
		}
		if strings.Contains(ep.Name, "/") {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("endpoint name %q must not contain '/'", ep.Name)}
		}
		if seen[ep.Name] {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate endpoint name %q", ep.Name)}
		}
		seen[ep.Name] = true

		switch ep.Mode {
		case "", constants.ModeInline, constants.ModeBuffered, constants.ModeDurable:
		default:
			return &ValidationError{
				Field:   field + ".mode",
				Message: fmt.Sprintf("unknown mode: %s (supported: inline, buffered, durable)", ep.Mode),
			}
		}

		if ep.MaxParallelism < 0 {
			return &ValidationError{Field: field + ".max_parallelism", Message: "max_parallelism must be non-negative"}
		}

		if ep.ForwardTo != "" {
			if _, _, err := net.SplitHostPort(ep.ForwardTo); err != nil {
				return &ValidationError{Field: field + ".forward_to", Message: fmt.Sprintf("forward_to must be host:port: %v", err)}
			}
		}
	}

	return nil
}

func validatePersistence(cfg PersistenceConfig, db DatabaseConfig) error {
	switch cfg.Type {
	case constants.StoreMemory:
	case constants.StorePostgres:
		if db.Postgres.Host == "" {
			return &ValidationError{
				Field:   "database.postgres.host",
				Message: "postgres persistence requires database.postgres settings",
			}
		}
	case constants.StoreSQLite:
		if db.SQLite.Path == "" {
			return &ValidationError{
				Field:   "database.sqlite.path",
				Message: "sqlite persistence requires a database file path",
			}
		}
	default:
		return &ValidationError{
			Field:   "persistence.type",
			Message: fmt.Sprintf("unknown persistence type: %s (supported: memory, postgres, sqlite)", cfg.Type),
		}
	}

	if cfg.Dedup.Enabled && db.Redis.Host == "" {
		return &ValidationError{
			Field:   "persistence.dedup.enabled",
			Message: "redis duplicate detection requires database.redis settings",
		}
	}

	if cfg.Dedup.TTLSeconds < 0 {
		return &ValidationError{
			Field:   "persistence.dedup.ttl_seconds",
			Message: "TTL must be non-negative",
		}
	}

	if cfg.Recovery.Enabled && cfg.Recovery.Interval <= 0 {
		return &ValidationError{
			Field:   "persistence.recovery.interval",
			Message: "recovery interval must be positive",
		}
	}

	if cfg.Recovery.HandledRetention < 0 {
		return &ValidationError{
			Field:   "persistence.recovery.handled_retention",
			Message: "handled retention must be non-negative",
		}
	}

	if cfg.Retry.Workers < 0 {
		return &ValidationError{
			Field:   "persistence.retry.workers",
			Message: "workers must be non-negative",
		}
	}

	if cfg.Retry.MaxInterval > 0 && cfg.Retry.InitialInterval > 0 && cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return &ValidationError{
			Field:   "persistence.retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateDeadLetters(cfg DeadLetterConfig, db DatabaseConfig) error {
	if cfg.MongoDB.Enabled && db.MongoDB.URI == "" {
		return &ValidationError{
			Field:   "dead_letters.mongodb.enabled",
			Message: "MongoDB dead letter archive requires database.mongodb settings",
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return &ValidationError{
				Field:   "dead_letters.kafka.brokers",
				Message: "at least one Kafka broker is required",
			}
		}
		for i, broker := range cfg.Kafka.Brokers {
			if broker == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("dead_letters.kafka.brokers[%d]", i),
					Message: "broker address cannot be empty",
				}
			}
		}
		if cfg.Kafka.Topic == "" {
			return &ValidationError{
				Field:   "dead_letters.kafka.topic",
				Message: "Kafka dead letter topic is required",
			}
		}
	}

	if cfg.RabbitMQ.Enabled {
		if !strings.HasPrefix(cfg.RabbitMQ.URL, "amqp://") && !strings.HasPrefix(cfg.RabbitMQ.URL, "amqps://") {
			return &ValidationError{
				Field:   "dead_letters.rabbitmq.url",
				Message: "RabbitMQ URL must start with amqp:// or amqps://",
			}
		}
	}

	return nil
}

func validatePolicy(cfg PolicyConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "policy.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	for i, rule := range cfg.Rules {
		field := fmt.Sprintf("policy.rules[%d]", i)

		if strings.TrimSpace(rule.When) == "" {
			return &ValidationError{Field: field + ".when", Message: "rule expression is required"}
		}

		switch rule.Action {
		case constants.ActionRetry, constants.ActionDeadLetter:
		case constants.ActionSchedule:
			if rule.Delay <= 0 {
				return &ValidationError{Field: field + ".delay", Message: "schedule action requires a positive delay"}
			}
		default:
			return &ValidationError{
				Field:   field + ".action",
				Message: fmt.Sprintf("unknown action: %s (supported: retry, schedule, dead_letter)", rule.Action),
			}
		}
	}

	return nil
}
