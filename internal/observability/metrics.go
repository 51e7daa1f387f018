package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
// Components accept a nil *Metrics and skip recording.
type Metrics struct {
	// --- Core processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreRecords      *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Settlement ---
	SettlementSteps     *prometheus.CounterVec
	InvalidVersions     *prometheus.CounterVec
	SettlementFunding   *prometheus.CounterVec
	SettlementInterest  *prometheus.CounterVec
	SettlementPnL       *prometheus.CounterVec
	SettlementFees      *prometheus.CounterVec
	MarketUpdates       *prometheus.CounterVec
	OracleCommits       *prometheus.CounterVec
	OracleLatestVersion *prometheus.GaugeVec

	// --- Authorization, collateral accounts, trigger orders ---
	VerifierOutcomes  *prometheus.CounterVec
	ControllerActions *prometheus.CounterVec
	Rebalances        *prometheus.CounterVec
	TriggerOrders     *prometheus.CounterVec
	TriggerExecutions *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Ingestion & streaming ---
	NATSMessages     *prometheus.CounterVec
	NATSPullLatency  *prometheus.HistogramVec
	WebsocketClients prometheus.Gauge
	WebsocketDrops   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// It must be called once per process.
func NewMetrics() *Metrics {
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
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, domain error)",
		}, []string{"command_type", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_records_emitted_total",
			Help: "Domain records emitted by core",
		}, []string{"record"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Current global sequence number",
		}),

		// Channels & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_command_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Settlement
		SettlementSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlement_steps_total",
			Help: "Version settlement steps processed",
		}, []string{"market", "scope"}),

		InvalidVersions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlement_invalid_versions_total",
			Help: "Pending positions invalidated by an invalid oracle version",
		}, []string{"market"}),

		SettlementFunding: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlement_funding_abs_total",
			Help: "Absolute funding paid by takers",
		}, []string{"market"}),

		SettlementInterest: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlement_interest_total",
			Help: "Interest paid by takers",
		}, []string{"market"}),

		SettlementPnL: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlement_pnl_abs_total",
			Help: "Absolute maker pnl realized",
		}, []string{"market"}),

		SettlementFees: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_settlement_fees_total",
			Help: "Fees collected by settlement stage",
		}, []string{"market", "stage"}),

		MarketUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_market_updates_total",
			Help: "Position updates by outcome",
		}, []string{"market", "outcome"}),

		OracleCommits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_commits_total",
			Help: "Oracle versions committed",
		}, []string{"oracle", "validity"}),

		OracleLatestVersion: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_oracle_latest_timestamp",
			Help: "Timestamp of the latest committed oracle version",
		}, []string{"oracle"}),

		// Authorization, collateral accounts, trigger orders
		VerifierOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_verifier_outcomes_total",
			Help: "Signed message verifications by outcome",
		}, []string{"domain", "message", "outcome"}),

		ControllerActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_controller_actions_total",
			Help: "Collateral account actions",
		}, []string{"action", "outcome"}),

		Rebalances: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_controller_rebalances_total",
			Help: "Rebalance attempts by outcome",
		}, []string{"outcome"}),

		TriggerOrders: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_manager_orders_total",
			Help: "Trigger orders placed or cancelled",
		}, []string{"market", "action"}),

		TriggerExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_manager_executions_total",
			Help: "Trigger order executions by outcome",
		}, []string{"market", "outcome"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_events_total",
			Help: "Envelopes replayed on startup",
		}),

		// Ingestion & streaming
		NATSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_nats_messages_total",
			Help: "Command messages received from NATS",
		}, []string{"command_type", "status"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		WebsocketClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ws_clients",
			Help: "Connected websocket clients",
		}),

		WebsocketDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perp_ws_drops_total",
			Help: "Messages dropped for slow websocket clients",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_errors_total",
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

// ErrorLabel maps an error to a bounded metric label.
func ErrorLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if l, ok := err.(interface{ Label() string }); ok {
		return l.Label()
	}
	return "error"
}
