// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcript_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics (gRPC and WebSocket connections)
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsClosed  *prometheus.CounterVec
	SessionLimit    prometheus.Counter

	// Reassembly metrics
	ChunksReceived      prometheus.Counter
	ChunksDropped       *prometheus.CounterVec
	MessagesReassembled prometheus.Counter
	ReassemblyTimeouts  prometheus.Counter

	// Routing metrics
	MessagesRouted    *prometheus.CounterVec
	MessagesDiscarded *prometheus.CounterVec
	ModeLocks         *prometheus.CounterVec

	// Turn metrics
	TurnsFinalized     *prometheus.CounterVec
	QueueItems         prometheus.Gauge
	SnapshotsPublished prometheus.Counter

	// Subscriber metrics
	SubscribersActive   prometheus.Gauge
	SnapshotsOverflowed prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Stream metrics
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of ingest streams started",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active ingest streams",
		}),
		StreamsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of successfully completed streams",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of failed streams",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of ingest streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
		}),

		// Session metrics
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of call sessions created",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of call sessions with a live transcript engine",
		}),
		SessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of call sessions torn down",
		}, []string{"reason"}),
		SessionLimit: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_limit_exceeded_total",
			Help:      "Total number of sessions rejected by the session limit",
		}),

		// Reassembly metrics
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total number of stream-message chunks received",
		}),
		ChunksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Total number of chunks or reassembled payloads discarded",
		}, []string{"reason"}),
		MessagesReassembled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reassembled_total",
			Help:      "Total number of messages reassembled and decoded",
		}),
		ReassemblyTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassembly_timeouts_total",
			Help:      "Total number of incomplete chunk buffers purged by timeout",
		}),

		// Routing metrics
		MessagesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Total number of decoded messages routed, by kind",
		}, []string{"kind"}),
		MessagesDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_discarded_total",
			Help:      "Total number of decoded messages discarded by the router",
		}, []string{"reason"}),
		ModeLocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_mode_locks_total",
			Help:      "Total number of engines locked into a render mode",
		}, []string{"mode"}),

		// Turn metrics
		TurnsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finalized_total",
			Help:      "Total number of chat turns that reached a terminal status",
		}, []string{"status"}),
		QueueItems: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turn_queue_items",
			Help:      "Number of word-mode turns waiting in turn queues",
		}),
		SnapshotsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Total number of chat-history snapshots emitted by engines",
		}),

		// Subscriber metrics
		SubscribersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_active",
			Help:      "Number of connected snapshot subscribers",
		}),
		SnapshotsOverflowed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_overflowed_total",
			Help:      "Total number of stale snapshots replaced for slow subscribers",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a session teardown.
func (m *Metrics) RecordSessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordSessionLimit records a rejected session.
func (m *Metrics) RecordSessionLimit() {
	m.SessionLimit.Inc()
}

// RecordChunk records one inbound chunk.
func (m *Metrics) RecordChunk() {
	m.ChunksReceived.Inc()
}

// RecordChunkDropped records a discarded chunk or payload.
func (m *Metrics) RecordChunkDropped(reason string) {
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

// RecordReassembled records a completed message.
func (m *Metrics) RecordReassembled() {
	m.MessagesReassembled.Inc()
}

// RecordReassemblyTimeout records a purged buffer.
func (m *Metrics) RecordReassemblyTimeout() {
	m.ReassemblyTimeouts.Inc()
}

// RecordRouted records a message accepted by the router.
func (m *Metrics) RecordRouted(kind string) {
	m.MessagesRouted.WithLabelValues(kind).Inc()
}

// RecordDiscarded records a message dropped by the router.
func (m *Metrics) RecordDiscarded(reason string) {
	m.MessagesDiscarded.WithLabelValues(reason).Inc()
}

// RecordModeLock records an engine locking into a render mode.
func (m *Metrics) RecordModeLock(mode string) {
	m.ModeLocks.WithLabelValues(mode).Inc()
}

// RecordTurnFinalized records a turn reaching END or INTERRUPTED.
func (m *Metrics) RecordTurnFinalized(status string) {
	m.TurnsFinalized.WithLabelValues(status).Inc()
}

// RecordSnapshot records an emitted snapshot.
func (m *Metrics) RecordSnapshot() {
	m.SnapshotsPublished.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
