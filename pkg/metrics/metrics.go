package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EnvelopesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_envelopes_received_total",
			Help: "Total number of envelopes accepted by receivers (count)",
		},
		[]string{"endpoint", "mode"},
	)

	EnvelopesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_envelopes_sent_total",
			Help: "Total number of envelopes accepted by sending agents (count)",
		},
		[]string{"endpoint", "mode"},
	)

	EnvelopesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_envelopes_dispatched_total",
			Help: "Total number of handler dispatches by outcome (count)",
		},
		[]string{"endpoint", "outcome"},
	)

	DuplicateEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_duplicate_envelopes_total",
			Help: "Total number of envelopes rejected by duplicate detection (count)",
		},
		[]string{"endpoint"},
	)

	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "postal_dedup_cache_size",
			Help: "Number of envelope ids held by the duplicate detection cache (count)",
		},
	)

	ExpiredEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_expired_envelopes_total",
			Help: "Total number of envelopes discarded past their deliver-by time (count)",
		},
		[]string{"endpoint"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_dead_letters_total",
			Help: "Total number of envelopes moved to dead letter storage (count)",
		},
		[]string{"endpoint"},
	)

	DeadLetterSinkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_dead_letter_sink_total",
			Help: "Total number of dead letter sink deliveries (count)",
		},
		[]string{"sink", "status"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postal_handler_duration_ms",
			Help:    "Handler invocation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"message_type", "outcome"},
	)

	PipelineRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_pipeline_retries_total",
			Help: "Total number of retried persistence pipeline operations (count)",
		},
		[]string{"pipeline"},
	)

	PipelineFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_pipeline_failures_total",
			Help: "Total number of persistence pipeline items given up on (count)",
		},
		[]string{"pipeline", "reason"},
	)

	PipelinePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postal_pipeline_pending",
			Help: "Items waiting in a persistence pipeline (count)",
		},
		[]string{"pipeline"},
	)

	PersistenceOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postal_persistence_operation_duration_ms",
			Help:    "Duration of persistence store operations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"store", "operation", "status"},
	)

	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postal_queue_size",
			Help: "Current size of the local dispatch queue (count)",
		},
		[]string{"endpoint"},
	)

	ScheduledEnvelopes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postal_scheduled_envelopes",
			Help: "Envelopes waiting in the in-memory delivery timer (count)",
		},
		[]string{"endpoint"},
	)

	RecoveredEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_recovered_envelopes_total",
			Help: "Total number of envelopes claimed by the recovery agent (count)",
		},
		[]string{"endpoint", "kind"},
	)

	HandledPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "postal_handled_purged_total",
			Help: "Total number of handled envelopes deleted after their retention window (count)",
		},
	)

	WireBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_wire_batches_total",
			Help: "Total number of wire protocol batches by direction and outcome (count)",
		},
		[]string{"direction", "outcome"},
	)

	WireFrameSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postal_wire_frame_size_bytes",
			Help:    "Size of wire protocol frames in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"direction"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of rate-limited requests (count)",
		},
		[]string{"client", "status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postal_admin_http_requests_total",
			Help: "Total number of admin API requests (count)",
		},
		[]string{"method", "path", "status"},
	)
)

var registerOnce sync.Once

// RegisterAll registers every collector with the default registry. Safe to
// call more than once.
func RegisterAll() {
	registerOnce.Do(func() {
		RegisterRuntimeMetrics()
		RegisterCircuitBreakerMetrics()
		RegisterAdminMetrics()
	})
}

func RegisterRuntimeMetrics() {
	prometheus.MustRegister(EnvelopesReceivedTotal)
	prometheus.MustRegister(EnvelopesSentTotal)
	prometheus.MustRegister(EnvelopesDispatchedTotal)
	prometheus.MustRegister(DuplicateEnvelopesTotal)
	prometheus.MustRegister(DedupCacheSize)
	prometheus.MustRegister(ExpiredEnvelopesTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(DeadLetterSinkTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(PipelineRetriesTotal)
	prometheus.MustRegister(PipelineFailuresTotal)
	prometheus.MustRegister(PipelinePending)
	prometheus.MustRegister(PersistenceOperationDuration)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(ScheduledEnvelopes)
	prometheus.MustRegister(RecoveredEnvelopesTotal)
	prometheus.MustRegister(HandledPurgedTotal)
	prometheus.MustRegister(WireBatchesTotal)
	prometheus.MustRegister(WireFrameSizeBytes)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAdminMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
}

func IncReceived(endpoint, mode string, n int) {
	EnvelopesReceivedTotal.WithLabelValues(endpoint, mode).Add(float64(n))
}

func IncSent(endpoint, mode string) {
	EnvelopesSentTotal.WithLabelValues(endpoint, mode).Inc()
}

func IncDispatched(endpoint, outcome string) {
	EnvelopesDispatchedTotal.WithLabelValues(endpoint, outcome).Inc()
}

func IncDuplicate(endpoint string) {
	DuplicateEnvelopesTotal.WithLabelValues(endpoint).Inc()
}

func SetDedupCacheSize(size int) {
	DedupCacheSize.Set(float64(size))
}

func IncExpired(endpoint string) {
	ExpiredEnvelopesTotal.WithLabelValues(endpoint).Inc()
}

func IncDeadLetter(endpoint string) {
	DeadLettersTotal.WithLabelValues(endpoint).Inc()
}

func IncDeadLetterSink(sink, status string) {
	DeadLetterSinkTotal.WithLabelValues(sink, status).Inc()
}

func ObserveHandlerDuration(messageType, outcome string, duration time.Duration) {
	HandlerDuration.WithLabelValues(messageType, outcome).Observe(float64(duration.Milliseconds()))
}

func IncPipelineRetry(pipeline string) {
	PipelineRetriesTotal.WithLabelValues(pipeline).Inc()
}

func IncPipelineFailure(pipeline, reason string) {
	PipelineFailuresTotal.WithLabelValues(pipeline, reason).Inc()
}

func SetPipelinePending(pipeline string, n int) {
	PipelinePending.WithLabelValues(pipeline).Set(float64(n))
}

func ObservePersistenceDuration(store, operation, status string, duration time.Duration) {
	PersistenceOperationDuration.WithLabelValues(store, operation, status).Observe(float64(duration.Milliseconds()))
}

func SetQueueSize(endpoint string, size int) {
	QueueSize.WithLabelValues(endpoint).Set(float64(size))
}

func SetScheduled(endpoint string, count int) {
	ScheduledEnvelopes.WithLabelValues(endpoint).Set(float64(count))
}

func IncRecovered(endpoint, kind string, n int) {
	RecoveredEnvelopesTotal.WithLabelValues(endpoint, kind).Add(float64(n))
}

func AddHandledPurged(n int) {
	HandledPurgedTotal.Add(float64(n))
}

func IncWireBatch(direction, outcome string) {
	WireBatchesTotal.WithLabelValues(direction, outcome).Inc()
}

func ObserveWireFrameSize(direction string, sizeBytes int) {
	WireFrameSizeBytes.WithLabelValues(direction).Observe(float64(sizeBytes))
}

func IncRateLimit(client, status string) {
	RateLimitRequestsTotal.WithLabelValues(client, status).Inc()
}

func IncHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
