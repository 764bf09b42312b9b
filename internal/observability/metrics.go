package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CohortLedger.
type Metrics struct {
	// --- Engine ---
	BlocksApplied    prometheus.Counter
	BlocksRejected   *prometheus.CounterVec
	BlockDuration    prometheus.Histogram
	CohortDuration   *prometheus.HistogramVec
	CrossedBuckets   *prometheus.CounterVec
	EngineHeight     prometheus.Gauge
	InvariantChecks  prometheus.Counter
	CohortSupplySats *prometheus.GaugeVec
	DistributionSize *prometheus.GaugeVec

	// --- Recovery ---
	ReorgsDetected   prometheus.Counter
	ReorgDepth       prometheus.Histogram
	Rollbacks        prometheus.Counter
	FreshFallbacks   *prometheus.CounterVec
	ReplayBlocks     prometheus.Counter
	RecoveryDuration prometheus.Gauge

	// --- Checkpoints ---
	CheckpointTaken      prometheus.Counter
	CheckpointDuration   prometheus.Histogram
	CheckpointSizeBytes  prometheus.Gauge
	CheckpointLastHeight prometheus.Gauge

	// --- Ingestion ---
	SourceFetchDuration prometheus.Histogram
	SourceTipHeight     prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten  prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastHeight   prometheus.Gauge
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Query ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	applyBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	ioBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

	return &Metrics{
		// Engine
		BlocksApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_engine_blocks_applied_total",
			Help: "Blocks applied by the engine",
		}),

		BlocksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_engine_blocks_rejected_total",
			Help: "Blocks rejected (gap, duplicate, reorg, invalid)",
		}, []string{"reason"}),

		BlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_engine_block_apply_duration_seconds",
			Help:    "Time to apply one block across all cohorts",
			Buckets: applyBuckets,
		}),

		CohortDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_engine_cohort_apply_duration_seconds",
			Help:    "Time to apply one block to one cohort",
			Buckets: applyBuckets,
		}, []string{"cohort"}),

		CrossedBuckets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_unrealized_crossed_buckets_total",
			Help: "Price buckets walked by incremental unrealized updates",
		}, []string{"cohort"}),

		EngineHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_engine_height",
			Help: "Last applied block height",
		}),

		InvariantChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_engine_invariant_checks_total",
			Help: "Full invariant sweeps executed",
		}),

		CohortSupplySats: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cohort_supply_sats",
			Help: "Current cohort supply in sats",
		}, []string{"cohort"}),

		DistributionSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cohort_price_distribution_buckets",
			Help: "Distinct acquisition prices held by a cohort",
		}, []string{"cohort"}),

		// Recovery
		ReorgsDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_recovery_reorgs_detected_total",
			Help: "Chain reorganizations detected",
		}),

		ReorgDepth: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_recovery_reorg_depth_blocks",
			Help:    "Blocks invalidated per reorg",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 100, 1000},
		}),

		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_recovery_rollbacks_total",
			Help: "Rollbacks to a checkpoint",
		}),

		FreshFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_recovery_fresh_fallbacks_total",
			Help: "Recoveries that fell back to a fresh start",
		}, []string{"reason"}),

		ReplayBlocks: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_recovery_replay_blocks_total",
			Help: "Blocks replayed after recovery or rollback",
		}),

		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_recovery_duration_seconds",
			Help: "Duration of the last startup recovery",
		}),

		// Checkpoints
		CheckpointTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_checkpoint_taken_total",
			Help: "Checkpoints written",
		}),

		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_checkpoint_duration_seconds",
			Help:    "Time spent under the flush barrier writing a checkpoint",
			Buckets: ioBuckets,
		}),

		CheckpointSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_checkpoint_size_bytes",
			Help: "Encoded size of the last checkpoint",
		}),

		CheckpointLastHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_checkpoint_last_height",
			Help: "Height of the last checkpoint",
		}),

		// Ingestion
		SourceFetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_source_fetch_duration_seconds",
			Help:    "Block source fetch latency",
			Buckets: ioBuckets,
		}),

		SourceTipHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_source_tip_height",
			Help: "Latest height available from the block source",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cohort_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cohort_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cohort_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_publish_drops_total",
			Help: "Snapshots that failed to publish",
		}),

		// Persistence
		PersistRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_persist_rows_written_total",
			Help: "Cohort rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_persist_batch_size",
			Help:    "Block outputs per Postgres batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_persist_errors_total",
			Help: "Postgres write errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cohort_persist_retry_total",
			Help: "Postgres write retries",
		}),

		PersistLastHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_persist_last_height",
			Help: "Last height committed to Postgres",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		// Query
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_query_requests_total",
			Help: "Query requests",
		}, []string{"query"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cohort_query_duration_seconds",
			Help:    "Query duration",
			Buckets: ioBuckets,
		}, []string{"query"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_query_errors_total",
			Help: "Query errors",
		}, []string{"query"}),
	}
}
