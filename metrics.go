package blobstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blobstore-go/blobstore/internal/interfaces"
)

// Metrics is a Prometheus-backed Observer. Each Metrics owns its own
// registry rather than registering into the global default registry,
// so a process can open more than one Blobstore (as the test suite
// does) without a duplicate-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	opBytes    *prometheus.HistogramVec
	opLatency  *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
	waitQueue  prometheus.Gauge
	enomemRetries prometheus.Counter
	openBlobs  prometheus.Gauge
}

// NewMetrics builds a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.opBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobstore_op_bytes",
		Help:    "Bytes transferred per I/O operation, by op.",
		Buckets: prometheus.ExponentialBuckets(4096, 4, 10),
	}, []string{"op"})

	m.opLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobstore_op_latency_seconds",
		Help:    "Completion latency per I/O operation, by op.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	m.opErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blobstore_op_errors_total",
		Help: "Failed I/O operations, by op.",
	}, []string{"op"})

	m.waitQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blobstore_enomem_wait_queue_depth",
		Help: "Current number of requests queued on ENOMEM.",
	})

	m.enomemRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_enomem_retries_total",
		Help: "Total number of requests redriven after ENOMEM.",
	})

	m.openBlobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blobstore_open_blobs",
		Help: "Current number of open blob handles.",
	})

	m.registry.MustRegister(m.opBytes, m.opLatency, m.opErrors, m.waitQueue, m.enomemRetries, m.openBlobs)
	return m
}

// Registry exposes the instance's Prometheus registry, e.g. to wire
// into promhttp.HandlerFor in an embedding application.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observe(op string, bytes uint64, latencyNs uint64, success bool) {
	m.opBytes.WithLabelValues(op).Observe(float64(bytes))
	m.opLatency.WithLabelValues(op).Observe(time.Duration(latencyNs).Seconds())
	if !success {
		m.opErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	m.observe("read", bytes, latencyNs, success)
}

func (m *Metrics) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	m.observe("write", bytes, latencyNs, success)
}

func (m *Metrics) ObserveUnmap(bytes uint64, latencyNs uint64, success bool) {
	m.observe("unmap", bytes, latencyNs, success)
}

func (m *Metrics) ObserveWriteZeroes(bytes uint64, latencyNs uint64, success bool) {
	m.observe("write_zeroes", bytes, latencyNs, success)
}

func (m *Metrics) ObserveFlush(latencyNs uint64, success bool) {
	m.observe("flush", 0, latencyNs, success)
}

func (m *Metrics) ObserveENOMEMRetry() {
	m.enomemRetries.Inc()
}

func (m *Metrics) ObserveWaitQueueDepth(depth int) {
	m.waitQueue.Set(float64(depth))
}

func (m *Metrics) ObserveOpenBlobs(count int) {
	m.openBlobs.Set(float64(count))
}

var _ interfaces.Observer = (*Metrics)(nil)

// NoOpObserver discards every event; used when an Options leaves
// Observer unset.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)       {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)      {}
func (NoOpObserver) ObserveUnmap(uint64, uint64, bool)      {}
func (NoOpObserver) ObserveWriteZeroes(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)              {}
func (NoOpObserver) ObserveENOMEMRetry()                    {}
func (NoOpObserver) ObserveWaitQueueDepth(int)              {}
func (NoOpObserver) ObserveOpenBlobs(int)                   {}

var _ interfaces.Observer = NoOpObserver{}
