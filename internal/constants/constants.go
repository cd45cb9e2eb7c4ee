package constants

import "time"

const (
	ServiceName = "postal"
)

const (
	ModeInline   = "inline"
	ModeBuffered = "buffered"
	ModeDurable  = "durable"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

const (
	ActionRetry      = "retry"
	ActionSchedule   = "schedule"
	ActionDeadLetter = "dead_letter"
)

const (
	DefaultSocketTimeout    = 5000 * time.Millisecond
	DefaultMaxParallelism   = 1
	DefaultQueueCapacity    = 1000
	DefaultMaxAttempts      = 3
	DefaultRecoveryPageSize = 100
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixDedup    = "postal:dedup:"
	DefaultDedupTTLSeconds = 86400
)

const (
	DefaultMongoDBName          = "postal"
	DefaultDeadLetterCollection = "dead_letters"
)

const (
	ShutdownTimeout = 30 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	SinkPublishTimeout = 10 * time.Second
)

const (
	SinkMongoDB  = "mongodb"
	SinkKafka    = "kafka"
	SinkRabbitMQ = "rabbitmq"
)
