// Package ledger is the in-memory metrics ledger for batch jobs.
//
// A single mutex guards the job map and the arrival-ordered id list; every
// operation, including reads, holds it for its whole duration. Updates are
// small relative to chunk processing so contention is not a concern.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/metrics"
)

var (
	ErrJobExists          = errors.New("job metrics already initialized")
	ErrJobNotFound        = errors.New("job metrics not found")
	ErrJobFinalized       = errors.New("job metrics already finalized")
	ErrPartitionExists    = errors.New("partition metrics already initialized")
	ErrPartitionNotFound  = errors.New("partition metrics not initialized")
	ErrPartitionCompleted = errors.New("partition metrics already completed")
	ErrNegativeKeep       = errors.New("keep count must be non-negative")
)

// Ledger holds JobMetrics keyed by job id.
type Ledger struct {
	mu    sync.Mutex
	jobs  map[int64]*JobMetrics
	order []int64

	rec metrics.Recorder
	now func() time.Time
}

// New creates an empty ledger. A nil recorder discards exported metrics.
func New(rec metrics.Recorder) *Ledger {
	if rec == nil {
		rec = metrics.NewNop()
	}
	return &Ledger{
		jobs: make(map[int64]*JobMetrics),
		rec:  rec,
		now:  time.Now,
	}
}

// InitializeJob creates the record for jobID. It never overwrites.
func (l *Ledger) InitializeJob(jobID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.jobs[jobID]; ok {
		return fmt.Errorf("job %d: %w", jobID, ErrJobExists)
	}
	l.jobs[jobID] = &JobMetrics{
		JobID:           jobID,
		Status:          "STARTED",
		StartTime:       l.now(),
		SkipReasonCount: make(map[string]int),
		Partitions:      make(map[string]PartitionMetrics),
	}
	l.order = append(l.order, jobID)
	return nil
}

// SetExpected records the total number of polygon records assigned to the job.
func (l *Ledger) SetExpected(jobID int64, expected int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.job(jobID)
	if err != nil {
		return err
	}
	m.Expected = expected
	return nil
}

// SetStatus updates the running status label of a job that is not finalized.
func (l *Ledger) SetStatus(jobID int64, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.job(jobID)
	if err != nil {
		return err
	}
	if m.finalized {
		return fmt.Errorf("job %d: %w", jobID, ErrJobFinalized)
	}
	m.Status = status
	return nil
}

// InitializePartition registers a partition sub-record when its worker starts.
func (l *Ledger) InitializePartition(jobID int64, partition string, assigned int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.job(jobID)
	if err != nil {
		return err
	}
	if _, ok := m.Partitions[partition]; ok {
		return fmt.Errorf("job %d partition %s: %w", jobID, partition, ErrPartitionExists)
	}
	m.Partitions[partition] = PartitionMetrics{
		Name:      partition,
		Assigned:  assigned,
		StartTime: l.now(),
	}
	return nil
}

// RecordChunk adds the records read and written by one chunk.
func (l *Ledger) RecordChunk(jobID int64, partition string, read, written int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, pm, err := l.partition(jobID, partition)
	if err != nil {
		return err
	}
	pm.RecordsRead += read
	pm.RecordsWritten += written
	m.Partitions[partition] = pm

	m.TotalRecordsProcessed += read
	l.rec.RecordChunk(partition, read, written)
	return nil
}

// RecordRetry appends a retry event and updates the retry counters.
func (l *Ledger) RecordRetry(jobID int64, d RetryDetail) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.job(jobID)
	if err != nil {
		return err
	}
	if d.At.IsZero() {
		d.At = l.now()
	}

	m.TotalRetryAttempts++
	if d.Success {
		m.SuccessfulRetries++
	} else {
		m.FailedRetries++
	}
	m.RetryDetails = append(m.RetryDetails, d)

	if pm, ok := m.Partitions[d.Partition]; ok {
		pm.RetryCount++
		m.Partitions[d.Partition] = pm
	}
	l.rec.RecordRetry(d.Partition, d.Success)
	return nil
}

// RecordSkip appends a skip event and updates the skip counters.
func (l *Ledger) RecordSkip(jobID int64, d SkipDetail) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.job(jobID)
	if err != nil {
		return err
	}
	if d.At.IsZero() {
		d.At = l.now()
	}

	m.TotalSkips++
	m.TotalRecordsSkipped += int64(d.Records)
	m.SkipReasonCount[d.Category]++
	m.SkipDetails = append(m.SkipDetails, d)

	if pm, ok := m.Partitions[d.Partition]; ok {
		pm.SkipCount++
		m.Partitions[d.Partition] = pm
	}
	l.rec.RecordSkip(d.Partition, d.Category)
	return nil
}

// CompletePartition closes a partition sub-record with its write count and
// exit code. The partition must have been initialized and not yet completed.
func (l *Ledger) CompletePartition(jobID int64, partition string, written int64, exitCode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, pm, err := l.partition(jobID, partition)
	if err != nil {
		return err
	}
	if pm.Completed {
		return fmt.Errorf("job %d partition %s: %w", jobID, partition, ErrPartitionCompleted)
	}

	pm.RecordsWritten = written
	pm.ExitCode = exitCode
	pm.EndTime = l.now()
	pm.Completed = true
	m.Partitions[partition] = pm

	l.rec.RecordPartitionComplete(exitCode, pm.EndTime.Sub(pm.StartTime))
	return nil
}

// FinalizeJob sets the terminal status and totals. It fails if the job is
// unknown or has already been finalized.
func (l *Ledger) FinalizeJob(jobID int64, status string, read, written int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.job(jobID)
	if err != nil {
		return err
	}
	if m.finalized {
		return fmt.Errorf("job %d: %w", jobID, ErrJobFinalized)
	}

	m.Status = status
	m.TotalRecordsRead = read
	m.TotalRecordsWritten = written
	m.EndTime = l.now()
	m.finalized = true

	l.rec.RecordJobFinalized(status, m.EndTime.Sub(m.StartTime))
	return nil
}

// Job returns a copy of the job record.
func (l *Ledger) Job(jobID int64) (JobMetrics, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.jobs[jobID]
	if !ok {
		return JobMetrics{}, false
	}
	return m.clone(), true
}

// Progress returns a compact progress view of the job.
func (l *Ledger) Progress(jobID int64) (Progress, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.jobs[jobID]
	if !ok {
		return Progress{}, false
	}

	p := Progress{
		JobID:     jobID,
		Status:    m.Status,
		Expected:  m.Expected,
		Processed: m.TotalRecordsProcessed,
		Skipped:   m.TotalRecordsSkipped,
		Errors:    m.FailedRetries + m.TotalSkips,
	}
	for _, pm := range m.Partitions {
		p.Written += pm.RecordsWritten
	}
	return p, true
}

// JobIDs returns the ids in arrival order.
func (l *Ledger) JobIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.order...)
}

// Cleanup evicts the oldest finalized jobs by arrival until at most keep
// remain. Jobs that are not finalized are never evicted, so more than keep
// may remain while they run. It returns the number of evicted jobs.
func (l *Ledger) Cleanup(keep int) (int, error) {
	if keep < 0 {
		return 0, ErrNegativeKeep
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	excess := len(l.order) - keep
	if excess <= 0 {
		return 0, nil
	}

	evicted := 0
	kept := make([]int64, 0, len(l.order))
	for _, id := range l.order {
		if evicted < excess && l.jobs[id].finalized {
			delete(l.jobs, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return evicted, nil
}

// Len returns the number of tracked jobs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

func (l *Ledger) job(jobID int64) (*JobMetrics, error) {
	m, ok := l.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}
	return m, nil
}

func (l *Ledger) partition(jobID int64, partition string) (*JobMetrics, PartitionMetrics, error) {
	m, err := l.job(jobID)
	if err != nil {
		return nil, PartitionMetrics{}, err
	}
	pm, ok := m.Partitions[partition]
	if !ok {
		return nil, PartitionMetrics{}, fmt.Errorf("job %d partition %s: %w", jobID, partition, ErrPartitionNotFound)
	}
	return m, pm, nil
}
