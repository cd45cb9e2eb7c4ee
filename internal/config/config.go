package config

import (
	"time"
)

type Config struct {
	Node           NodeConfig           `mapstructure:"node"`
	Server         ServerConfig         `mapstructure:"server"`
	Listener       ListenerConfig       `mapstructure:"listener"`
	Endpoints      []EndpointConfig     `mapstructure:"endpoints"`
	Persistence    PersistenceConfig    `mapstructure:"persistence"`
	Database       DatabaseConfig       `mapstructure:"database"`
	DeadLetters    DeadLetterConfig     `mapstructure:"dead_letters"`
	Policy         PolicyConfig         `mapstructure:"policy"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Admin          AdminConfig          `mapstructure:"admin"`
}

type NodeConfig struct {
	ID          int    `mapstructure:"id"`
	ServiceName string `mapstructure:"service_name"`
}

// ServerConfig is the admin HTTP server.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

// ListenerConfig is the node-to-node TCP transport.
type ListenerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Compression     bool          `mapstructure:"compression"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout"`
}

// EndpointConfig declares a local queue. With ForwardTo set (host:port) every
// envelope dispatched on it is relayed to that node instead of a local handler.
type EndpointConfig struct {
	Name           string `mapstructure:"name"`
	Mode           string `mapstructure:"mode"`
	MaxParallelism int    `mapstructure:"max_parallelism"`
	QueueCapacity  int    `mapstructure:"queue_capacity"`
	ReplyURI       string `mapstructure:"reply_uri"`
	ForwardTo      string `mapstructure:"forward_to"`
}

type PersistenceConfig struct {
	Type     string             `mapstructure:"type"`
	Dedup    DedupConfig        `mapstructure:"dedup"`
	Recovery RecoveryConfig     `mapstructure:"recovery"`
	Retry    PersistRetryConfig `mapstructure:"retry"`
}

type DedupConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

type RecoveryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	PageSize int           `mapstructure:"page_size"`
	// HandledRetention bounds how long Handled envelopes are kept. Zero
	// disables the purge.
	HandledRetention time.Duration `mapstructure:"handled_retention"`
}

type PersistRetryConfig struct {
	Workers         int           `mapstructure:"workers"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	SQLite        SQLiteConfig   `mapstructure:"sqlite"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type DeadLetterConfig struct {
	MongoDB  MongoSinkConfig    `mapstructure:"mongodb"`
	Kafka    KafkaSinkConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQSinkConfig `mapstructure:"rabbitmq"`
}

type MongoSinkConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Collection string `mapstructure:"collection"`
}

type KafkaSinkConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RabbitMQSinkConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type PolicyConfig struct {
	MaxAttempts int          `mapstructure:"max_attempts"`
	Rules       []RuleConfig `mapstructure:"rules"`
}

// RuleConfig is one failure rule: when the CEL expression in When holds,
// Action is taken.
type RuleConfig struct {
	Name   string        `mapstructure:"name"`
	When   string        `mapstructure:"when"`
	Action string        `mapstructure:"action"`
	Delay  time.Duration `mapstructure:"delay"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdminConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
