package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "test")
	require.NoError(t, err)

	p.RecordChunk("partition0", 10, 8)
	p.RecordChunk("partition0", 5, 5)
	p.RecordRetry("partition0", false)
	p.RecordRetry("partition0", true)
	p.RecordSkip("partition1", "projection")
	p.RecordPartitionComplete("COMPLETED", 2*time.Second)
	p.RecordJobFinalized("COMPLETED", time.Minute)
	p.SetRunningJobs(3)

	assert.Equal(t, 15.0, testutil.ToFloat64(p.recordsRead.WithLabelValues("partition0")))
	assert.Equal(t, 13.0, testutil.ToFloat64(p.recordsWritten.WithLabelValues("partition0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retries.WithLabelValues("partition0", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.retries.WithLabelValues("partition0", "recovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.skips.WithLabelValues("partition1", "projection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.partitionsFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.jobsFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.runningJobs))
}

func TestPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg, "dup")
	require.NoError(t, err)

	_, err = NewPrometheus(reg, "dup")
	assert.Error(t, err)
}

func TestNop_SatisfiesRecorder(t *testing.T) {
	var r Recorder = NewNop()
	r.RecordChunk("p", 1, 1)
	r.RecordJobFinalized("FAILED", time.Second)
}
