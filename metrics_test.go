package blobstore

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserveReadRecordsBytesAndLatency(t *testing.T) {
	m := NewMetrics()
	m.ObserveRead(4096, uint64(1_000_000), true)

	require.Equal(t, 1, testutil.CollectAndCount(m.opBytes, "blobstore_op_bytes"))
	require.Equal(t, float64(0), testutil.ToFloat64(m.opErrors.WithLabelValues("read")))
}

func TestMetricsObserveFailureIncrementsErrorCounter(t *testing.T) {
	m := NewMetrics()
	m.ObserveWrite(512, 500, false)
	require.Equal(t, float64(1), testutil.ToFloat64(m.opErrors.WithLabelValues("write")))
}

func TestMetricsWaitQueueDepthGauge(t *testing.T) {
	m := NewMetrics()
	m.ObserveWaitQueueDepth(3)
	require.Equal(t, float64(3), testutil.ToFloat64(m.waitQueue))
	m.ObserveWaitQueueDepth(0)
	require.Equal(t, float64(0), testutil.ToFloat64(m.waitQueue))
}

func TestMetricsENOMEMRetryCounter(t *testing.T) {
	m := NewMetrics()
	m.ObserveENOMEMRetry()
	m.ObserveENOMEMRetry()
	require.Equal(t, float64(2), testutil.ToFloat64(m.enomemRetries))
}

func TestMetricsOpenBlobsGauge(t *testing.T) {
	m := NewMetrics()
	m.ObserveOpenBlobs(5)
	require.Equal(t, float64(5), testutil.ToFloat64(m.openBlobs))
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Each Metrics owns its own registry, so two instances in the same
	// process must not collide on duplicate registration.
	m1 := NewMetrics()
	m2 := NewMetrics()
	require.NotSame(t, m1.Registry(), m2.Registry())
}

func TestNoOpObserverDiscardsEverything(t *testing.T) {
	var o NoOpObserver
	o.ObserveRead(1, 1, true)
	o.ObserveWrite(1, 1, false)
	o.ObserveUnmap(1, 1, true)
	o.ObserveWriteZeroes(1, 1, true)
	o.ObserveFlush(1, true)
	o.ObserveENOMEMRetry()
	o.ObserveWaitQueueDepth(1)
	o.ObserveOpenBlobs(1)
}
