package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Ingestion ===

	// IngestQueueDepth tracks the number of messages waiting in the shared queue.
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_ingest_queue_depth",
		Help: "Current number of messages in the ingestion queue",
	})

	// MessagesAccepted tracks validated messages per tenant and type.
	MessagesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ingest_accepted_total",
		Help: "Messages that passed validation and were written",
	}, []string{"tenant", "msg_type"})

	// MessagesQuarantined tracks rejected messages by tenant and reason.
	MessagesQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ingest_quarantined_total",
		Help: "Messages rejected into quarantine",
	}, []string{"tenant", "reason"})

	// IngestBackpressure tracks ingress rejections due to a full queue.
	IngestBackpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ingest_backpressure_total",
		Help: "Ingress requests rejected because the queue was full",
	}, []string{"source"}) // http, mqtt

	// === Auth cache ===

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_authcache_hits_total",
		Help: "Auth cache lookups served without a registry query",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_authcache_misses_total",
		Help: "Auth cache lookups that fell through to the registry",
	})

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_authcache_entries",
		Help: "Current number of cached device entries",
	})

	// === Batch writer ===

	WriterBatchesOK = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_writer_batches_total",
		Help: "Batches flushed to the time-series store",
	}, []string{"tenant"})

	WriterBatchesErr = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_writer_batch_errors_total",
		Help: "Batches dropped after exhausting write retries",
	}, []string{"tenant"})

	WriterFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_writer_flush_duration_seconds",
		Help:    "Duration of a full writer flush across tenants",
		Buckets: prometheus.DefBuckets,
	})

	WriterBufferedLines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_writer_buffered_lines",
		Help: "Lines currently buffered across all tenants",
	})

	// === Evaluator ===

	EvaluatorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_evaluator_tick_duration_seconds",
		Help:    "Duration of one evaluator tick",
		Buckets: prometheus.DefBuckets,
	})

	LivenessTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_liveness_transitions_total",
		Help: "Device liveness transitions by target state",
	}, []string{"tenant", "to"})

	AlertsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_alerts_opened_total",
		Help: "Alerts opened by type",
	}, []string{"tenant", "type"})

	AlertsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_alerts_closed_total",
		Help: "Alerts closed by type",
	}, []string{"tenant", "type"})

	// === Dispatcher / delivery ===

	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_delivery_jobs_created_total",
		Help: "Delivery jobs created by the dispatcher",
	}, []string{"tenant"})

	RouteThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_route_throttled_total",
		Help: "Route matches suppressed by the per-fingerprint throttle",
	}, []string{"tenant"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_delivery_attempts_total",
		Help: "Delivery attempts by integration kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: success, error, dead

	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulse_delivery_latency_seconds",
		Help:    "Latency of successful outbound deliveries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"kind"})

	LeasesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_delivery_leases_released_total",
		Help: "Expired IN_FLIGHT leases reverted to PENDING by the janitor",
	})

	SSRFBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_ssrf_blocked_total",
		Help: "Outbound deliveries refused by the address guard",
	}, []string{"kind"})

	// === Coordination ===

	LeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_leader_status",
		Help: "Leadership status per role (1 = leader, 0 = follower)",
	}, []string{"role", "node_id"})

	// === Tenant isolation ===

	ContractViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_contract_violations_total",
		Help: "Tenant-isolation contract violations detected at runtime",
	}, []string{"kind"}) // missing_tenant, bare_device_id
)
