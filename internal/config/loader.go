package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"postal/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("node.id", 1)
	viper.SetDefault("node.service_name", constants.ServiceName)

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10)
	viper.SetDefault("server.write_timeout_seconds", 10)

	viper.SetDefault("listener.host", "0.0.0.0")
	viper.SetDefault("listener.port", 2201)
	viper.SetDefault("listener.connect_timeout", constants.DefaultSocketTimeout)
	viper.SetDefault("listener.exchange_timeout", constants.DefaultSocketTimeout)

	viper.SetDefault("persistence.type", constants.StoreMemory)
	viper.SetDefault("persistence.dedup.ttl_seconds", constants.DefaultDedupTTLSeconds)
	viper.SetDefault("persistence.dedup.key_prefix", constants.CacheKeyPrefixDedup)
	viper.SetDefault("persistence.recovery.enabled", true)
	viper.SetDefault("persistence.recovery.interval", 5*time.Second)
	viper.SetDefault("persistence.recovery.page_size", constants.DefaultRecoveryPageSize)
	viper.SetDefault("persistence.recovery.handled_retention", 24*time.Hour)
	viper.SetDefault("persistence.retry.workers", 1)
	viper.SetDefault("persistence.retry.initial_interval", 100*time.Millisecond)
	viper.SetDefault("persistence.retry.max_interval", 10*time.Second)
	viper.SetDefault("persistence.retry.multiplier", 2.0)

	viper.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)
	viper.SetDefault("dead_letters.mongodb.collection", constants.DefaultDeadLetterCollection)

	viper.SetDefault("policy.max_attempts", constants.DefaultMaxAttempts)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func bindEnvVariables() {
	viper.BindEnv("node.id", "NODE_ID")
	viper.BindEnv("node.service_name", "NODE_SERVICE_NAME")

	viper.BindEnv("listener.enabled", "LISTENER_ENABLED")
	viper.BindEnv("listener.host", "LISTENER_HOST")
	viper.BindEnv("listener.port", "LISTENER_PORT")
	viper.BindEnv("listener.compression", "LISTENER_COMPRESSION")
	viper.BindEnv("listener.connect_timeout", "LISTENER_CONNECT_TIMEOUT")
	viper.BindEnv("listener.exchange_timeout", "LISTENER_EXCHANGE_TIMEOUT")

	viper.BindEnv("persistence.type", "PERSISTENCE_TYPE")
	viper.BindEnv("persistence.dedup.enabled", "PERSISTENCE_DEDUP_ENABLED")
	viper.BindEnv("persistence.recovery.handled_retention", "PERSISTENCE_RECOVERY_HANDLED_RETENTION")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.sqlite.path", "DATABASE_SQLITE_PATH")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("dead_letters.kafka.brokers", "DEAD_LETTERS_KAFKA_BROKERS")
	viper.BindEnv("dead_letters.kafka.topic", "DEAD_LETTERS_KAFKA_TOPIC")
	viper.BindEnv("dead_letters.rabbitmq.url", "DEAD_LETTERS_RABBITMQ_URL")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) {
	if brokersEnv := viper.GetString("DEAD_LETTERS_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.DeadLetters.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}
}
