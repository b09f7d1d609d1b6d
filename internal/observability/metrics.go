package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the daemon exposes.
type Metrics struct {
	// Discovery metrics
	PeersDiscoveredTotal prometheus.Counter
	PeersActive          prometheus.Gauge

	// Handshake metrics
	HandshakesTotal    *prometheus.CounterVec
	HandshakeDuration  prometheus.Histogram

	// Session/chunk metrics
	SessionsActive        prometheus.Gauge
	SessionDuration        prometheus.Histogram
	ChunksSentTotal        prometheus.Counter
	ChunksReceivedTotal    prometheus.Counter
	BytesTransferredTotal  *prometheus.CounterVec
	ChunksRetransmitted    *prometheus.CounterVec
	NACKsSentTotal         prometheus.Counter
	ContentHashVerifications *prometheus.CounterVec

	// FEC metrics
	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsSentTotal       prometheus.Counter

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram

	// Trust metrics
	TrustPromotionsTotal prometheus.Counter

	// Storage metrics
	CacheBytesUsed          prometheus.Gauge
	MessageStoreOperations  *prometheus.CounterVec

	activeSessions int64
}

// NewMetrics creates and registers every metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		PeersDiscoveredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_peers_discovered_total",
				Help: "Peers observed via multicast capability announcements.",
			},
		),

		PeersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "summit_peers_active",
				Help: "Peers currently present in the registry (not yet TTL-evicted).",
			},
		),

		HandshakesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summit_handshakes_total",
				Help: "Noise_XX handshakes attempted, by outcome.",
			},
			[]string{"result"},
		),

		HandshakeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "summit_handshake_duration_seconds",
				Help:    "Time from message 1 to a completed handshake.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "summit_sessions_active",
				Help: "Live sessions in the session table.",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "summit_session_duration_seconds",
				Help:    "Session lifetime from establishment to teardown.",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 1800, 3600},
			},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_chunks_sent_total",
				Help: "Chunk datagrams transmitted.",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_chunks_received_total",
				Help: "Chunk datagrams that passed decrypt and hash verification.",
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summit_bytes_transferred_total",
				Help: "Payload bytes transferred, by direction.",
			},
			[]string{"direction"},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summit_chunks_retransmitted_total",
				Help: "Chunks re-sent in response to a NACK, by reason.",
			},
			[]string{"reason"},
		),

		NACKsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_nacks_sent_total",
				Help: "NACK datagrams sent requesting missing chunks.",
			},
		),

		ContentHashVerifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summit_content_hash_verifications_total",
				Help: "Chunk content hash checks, by result.",
			},
			[]string{"result"},
		),

		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "summit_fec_enabled",
				Help: "FEC currently enabled for outbound assembly groups (0/1).",
			},
		),

		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_fec_reconstructions_total",
				Help: "Chunks recovered via Reed-Solomon reconstruction.",
			},
		),

		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_fec_reconstruction_failures_total",
				Help: "Failed FEC reconstructions (too many holes for the parity available).",
			},
		),

		FECParityShardsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_fec_parity_shards_sent_total",
				Help: "Parity shards transmitted.",
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summit_crypto_operations_total",
				Help: "Cryptographic operations performed, by kind.",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "summit_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		TrustPromotionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "summit_trust_promotions_total",
				Help: "Peers promoted from Untrusted to Trusted.",
			},
		),

		CacheBytesUsed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "summit_cache_bytes_used",
				Help: "Bytes currently stored in the content-addressed chunk cache.",
			},
		),

		MessageStoreOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "summit_messagestore_operations_total",
				Help: "Durable message store operations, by kind and result.",
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

// RecordPeerDiscovered increments the discovery counter.
func (m *Metrics) RecordPeerDiscovered() {
	m.PeersDiscoveredTotal.Inc()
}

// RecordHandshake records a handshake's outcome and duration.
func (m *Metrics) RecordHandshake(result string, durationSeconds float64) {
	m.HandshakesTotal.WithLabelValues(result).Inc()
	m.HandshakeDuration.Observe(durationSeconds)
}

// RecordSessionStart increments the active session gauge.
func (m *Metrics) RecordSessionStart() {
	atomic.AddInt64(&m.activeSessions, 1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
}

// RecordSessionEnd decrements the active session gauge and observes its
// lifetime.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	atomic.AddInt64(&m.activeSessions, -1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a transmitted chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for an accepted chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordNACKSent increments the NACK counter.
func (m *Metrics) RecordNACKSent() {
	m.NACKsSentTotal.Inc()
}

// RecordContentHashVerification records a chunk hash check's result.
func (m *Metrics) RecordContentHashVerification(success bool) {
	result := "match"
	if !success {
		result = "mismatch"
	}
	m.ContentHashVerifications.WithLabelValues(result).Inc()
}

// RecordCryptoOperation records a crypto operation's duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordFECReconstruction updates FEC reconstruction counters.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetFECEnabled sets the FEC enabled gauge.
func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

// RecordTrustPromotion increments the trust promotion counter.
func (m *Metrics) RecordTrustPromotion() {
	m.TrustPromotionsTotal.Inc()
}

// SetCacheBytesUsed records the chunk cache's current size.
func (m *Metrics) SetCacheBytesUsed(bytes int64) {
	m.CacheBytesUsed.Set(float64(bytes))
}

// RecordMessageStoreOperation records a durable store operation's result.
func (m *Metrics) RecordMessageStoreOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MessageStoreOperations.WithLabelValues(operation, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
