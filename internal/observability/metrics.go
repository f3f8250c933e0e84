package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VeilTrade.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreRecords          *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	QueryFreshnessLag   *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	ClockRegressions      prometheus.Counter

	// --- Domain ---
	OpenOrders         prometheus.Gauge
	OpenSettlements    prometheus.Gauge
	OpenPositions      prometheus.Gauge
	BreakerVolume      *prometheus.GaugeVec
	BreakerTrips       *prometheus.CounterVec
	ResolverSlashes    prometheus.Counter
	DecryptsPending    prometheus.Gauge
	DecryptsFinalized  prometheus.Counter
	OraclePriceUpdates *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten  prometheus.Counter
	PersistTransfersWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistLastSequence     prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_core_commands_applied_total",
			Help: "Commands applied by the deterministic core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_core_commands_rejected_total",
			Help: "Commands rejected, by type and reason code",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_core_command_apply_duration_seconds",
			Help:    "Time to apply one command",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_core_records_emitted_total",
			Help: "Public records emitted while applying commands",
		}, []string{"record_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "veil_core_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_core_sequence",
			Help: "Last applied global sequence",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_ingest_to_apply_seconds",
			Help:    "Time from ingestion to core apply",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		QueryFreshnessLag: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_query_freshness_lag_seconds",
			Help:    "Projection lag behind the core",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"projection"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_nats_pull_latency_seconds",
			Help:    "JetStream fetch latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"stream"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "veil_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_projection_update_duration_seconds",
			Help:    "Time to apply one projection update",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"projection"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veil_channel_size",
			Help: "Buffered items per channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veil_channel_capacity",
			Help: "Capacity per channel",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veil_channel_utilization",
			Help: "Size over capacity per channel",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_projection_drops_total",
			Help: "Envelopes dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_publish_drops_total",
			Help: "Outbound records dropped because the publisher was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_idempotency_duplicates_total",
			Help: "Duplicate commands skipped, by tier",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		ClockRegressions: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_clock_regressions_total",
			Help: "Commands rejected for a timestamp earlier than the last applied one",
		}),

		// Domain
		OpenOrders: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_open_orders",
			Help: "Orders in PENDING or PARTIALLY_FILLED",
		}),

		OpenSettlements: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_open_settlements",
			Help: "Settlements in PENDING or LOCKED",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_open_positions",
			Help: "Positions in OPEN",
		}),

		BreakerVolume: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veil_breaker_volume",
			Help: "Volume recorded in the current day per breaker scope",
		}, []string{"scope"}),

		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_breaker_trips_total",
			Help: "Commands rejected by a circuit breaker",
		}, []string{"command_type"}),

		ResolverSlashes: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_resolver_slashes_total",
			Help: "Resolver bonds slashed to the insurance fund",
		}),

		DecryptsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_decrypt_requests_pending",
			Help: "Decryption requests awaiting finalization",
		}),

		DecryptsFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_decrypt_requests_finalized_total",
			Help: "Decryption requests finalized",
		}),

		OraclePriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_oracle_price_updates_total",
			Help: "Oracle observations applied",
		}, []string{"symbol"}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_persist_commands_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistTransfersWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "veil_persist_transfers_written_total",
			Help: "Transfer records written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "veil_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "veil_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
