package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Engine ---
	CommandsApplied   *prometheus.CounterVec
	CommandsRejected  *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	CommandsRestamped *prometheus.CounterVec
	EngineSequence    prometheus.Gauge

	// --- Vault ---
	RoundsStarted        prometheus.Counter
	CurrentRound         prometheus.Gauge
	ClearingPriceGwei    prometheus.Gauge
	OptionsSold          prometheus.Counter
	PayoutsClaimedEther  prometheus.Counter
	RefundsPaidEther     prometheus.Counter
	TotalCollateralEther prometheus.Gauge
	UnallocatedEther     prometheus.Gauge
	RolloverDustWei      prometheus.Gauge

	// --- Ingestion & dispatch ---
	IngestToApply      *prometheus.HistogramVec
	MarketStatsUpdates *prometheus.CounterVec
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projections ---
	ProjectionDropped      prometheus.Counter
	ProjectionErrors       prometheus.Counter
	ProjectionLastSequence prometheus.Gauge

	// --- Outbox ---
	OutboxPending       prometheus.Gauge
	OutboxPublished     *prometheus.CounterVec
	OutboxPublishErrors *prometheus.CounterVec

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Engine
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command_type"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, state)",
		}, []string{"command_type", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CommandsRestamped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_commands_restamped_total",
			Help: "Commands stamped before the engine clock and moved forward to it",
		}, []string{"command_type"}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_engine_sequence",
			Help: "Current global sequence number",
		}),

		// Vault
		RoundsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_rounds_started_total",
			Help: "Option rounds started",
		}),

		CurrentRound: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_current_round",
			Help: "Id of the current option round",
		}),

		ClearingPriceGwei: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_auction_clearing_price_gwei",
			Help: "Clearing price of the last settled auction",
		}),

		OptionsSold: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_options_sold_total",
			Help: "Options allocated across all auctions",
		}),

		PayoutsClaimedEther: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_payouts_claimed_ether_total",
			Help: "Option payouts claimed",
		}),

		RefundsPaidEther: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_refunds_paid_ether_total",
			Help: "Unused bid deposits refunded",
		}),

		TotalCollateralEther: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_collateral_ether",
			Help: "Collateral locked in the current round",
		}),

		UnallocatedEther: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_unallocated_ether",
			Help: "Liquidity waiting in the next round",
		}),

		RolloverDustWei: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_rollover_dust_wei",
			Help: "Next round collateral no position can withdraw",
		}),

		// Ingestion & dispatch
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"command_type"}),

		MarketStatsUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_market_stats_updates_total",
			Help: "Market statistics updates by outcome (applied/stale/gap)",
		}, []string{"result"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Projections
		ProjectionDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_projection_dropped_total",
			Help: "Outputs dropped because the projection worker was behind",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vault_projection_errors_total",
			Help: "Projection updates that failed",
		}),

		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_projection_last_sequence",
			Help: "Last sequence applied to projection tables",
		}),

		// Outbox
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "vault_outbox_pending",
			Help: "Envelopes written to the outbox but not yet published to every sink",
		}),

		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_outbox_published_total",
			Help: "Envelopes published per sink",
		}, []string{"sink"}),

		OutboxPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_outbox_publish_errors_total",
			Help: "Publish failures per sink",
		}, []string{"sink"}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
