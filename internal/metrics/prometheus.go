package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	recordsRead        *prometheus.CounterVec
	recordsWritten     *prometheus.CounterVec
	retries            *prometheus.CounterVec
	skips              *prometheus.CounterVec
	partitionsFinished *prometheus.CounterVec
	partitionDuration  prometheus.Histogram
	jobsFinished       *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	runningJobs        prometheus.Gauge
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer; an empty namespace defaults
// to "vdyp_batch".
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "vdyp_batch"
	}

	p := &Prometheus{
		recordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Polygon records read from partition inputs.",
		}, []string{"partition"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Polygon records successfully projected.",
		}, []string{"partition"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Chunk retry attempts by outcome.",
		}, []string{"partition", "outcome"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Skipped chunks by fault category.",
		}, []string{"partition", "category"}),
		partitionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_finished_total",
			Help:      "Finished partitions by exit code.",
		}, []string{"exit_code"}),
		partitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_duration_seconds",
			Help:      "Wall time of one partition worker.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Finished jobs by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a batch job.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Jobs currently executing.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.recordsRead, p.recordsWritten, p.retries, p.skips,
		p.partitionsFinished, p.partitionDuration,
		p.jobsFinished, p.jobDuration, p.runningJobs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RecordChunk(partition string, read, written int64) {
	p.recordsRead.WithLabelValues(partition).Add(float64(read))
	p.recordsWritten.WithLabelValues(partition).Add(float64(written))
}

func (p *Prometheus) RecordRetry(partition string, success bool) {
	outcome := "failed"
	if success {
		outcome = "recovered"
	}
	p.retries.WithLabelValues(partition, outcome).Inc()
}

func (p *Prometheus) RecordSkip(partition, category string) {
	p.skips.WithLabelValues(partition, category).Inc()
}

func (p *Prometheus) RecordPartitionComplete(exitCode string, elapsed time.Duration) {
	p.partitionsFinished.WithLabelValues(exitCode).Inc()
	p.partitionDuration.Observe(elapsed.Seconds())
}

func (p *Prometheus) RecordJobFinalized(status string, elapsed time.Duration) {
	p.jobsFinished.WithLabelValues(status).Inc()
	p.jobDuration.Observe(elapsed.Seconds())
}

func (p *Prometheus) SetRunningJobs(n int) {
	p.runningJobs.Set(float64(n))
}
