package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a seeder or leecher process.
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	// Peer/session metrics
	HandshakesTotal   *prometheus.CounterVec
	PeersActive       prometheus.Gauge
	PeerTimeoutsTotal prometheus.Counter
	SeederSwitches    prometheus.Counter

	// Wire metrics
	MessagesSentTotal     *prometheus.CounterVec
	MessagesReceivedTotal *prometheus.CounterVec

	// Scheduler metrics
	SchedulerBatchSize prometheus.Histogram

	// FEC metrics
	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsSentTotal       prometheus.Counter

	// Integrity metrics
	MerkleVerificationsTotal *prometheus.CounterVec

	// Storage metrics
	BitmapPersistDuration   prometheus.Histogram
	DatabaseOperationsTotal *prometheus.CounterVec

	activeTransfers int64
	activePeers     int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarmd_transfers_active",
				Help: "Currently active transfers",
			},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "swarmd_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_chunks_sent_total",
				Help: "Total DATA messages sent",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_chunks_received_total",
				Help: "Total DATA messages received",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		HandshakesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_handshakes_total",
				Help: "HANDSHAKE outcomes",
			},
			[]string{"result"},
		),

		PeersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarmd_peers_active",
				Help: "Currently active peer sessions",
			},
		),

		PeerTimeoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_peer_timeouts_total",
				Help: "Peers marked to_remove after exceeding their timeout",
			},
		),

		SeederSwitches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_seeder_switches_total",
				Help: "Leecher SWITCH_SEEDER transitions",
			},
		),

		MessagesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_messages_sent_total",
				Help: "Messages sent, by kind",
			},
			[]string{"kind"},
		),

		MessagesReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_messages_received_total",
				Help: "Messages received, by kind",
			},
			[]string{"kind"},
		),

		SchedulerBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "swarmd_scheduler_batch_size",
				Help:    "Chunk count of each scheduler-emitted request batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),

		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarmd_fec_enabled",
				Help: "FEC currently enabled (0/1)",
			},
		),

		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_fec_reconstructions_total",
				Help: "Chunks reconstructed via FEC",
			},
		),

		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_fec_reconstruction_failures_total",
				Help: "Failed FEC reconstructions",
			},
		),

		FECParityShardsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "swarmd_fec_parity_shards_sent_total",
				Help: "Parity shards transmitted",
			},
		),

		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_merkle_verifications_total",
				Help: "Per-chunk hash verifications against the INTEGRITY-declared hash",
			},
			[]string{"result"},
		),

		BitmapPersistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "swarmd_bitmap_persist_duration_seconds",
				Help:    "Chunk bitmap persistence latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_database_operations_total",
				Help: "Catalog/session persistence operation count",
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHandshake(result string) {
	m.HandshakesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPeerJoined() {
	atomic.AddInt64(&m.activePeers, 1)
	m.PeersActive.Set(float64(atomic.LoadInt64(&m.activePeers)))
}

func (m *Metrics) RecordPeerRemoved() {
	atomic.AddInt64(&m.activePeers, -1)
	m.PeersActive.Set(float64(atomic.LoadInt64(&m.activePeers)))
}

func (m *Metrics) RecordPeerTimeout() {
	m.PeerTimeoutsTotal.Inc()
}

func (m *Metrics) RecordSeederSwitch() {
	m.SeederSwitches.Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	m.MessagesSentTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	m.MessagesReceivedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSchedulerBatch(chunkCount int) {
	m.SchedulerBatchSize.Observe(float64(chunkCount))
}

func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
