package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu        sync.Mutex
	read      int64
	written   int64
	retries   int
	skips     int
	partDone  []string
	finalized []string
}

func (c *countingRecorder) RecordChunk(_ string, read, written int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read += read
	c.written += written
}

func (c *countingRecorder) RecordRetry(string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
}

func (c *countingRecorder) RecordSkip(string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skips++
}

func (c *countingRecorder) RecordPartitionComplete(exitCode string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partDone = append(c.partDone, exitCode)
}

func (c *countingRecorder) RecordJobFinalized(status string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = append(c.finalized, status)
}

func (c *countingRecorder) SetRunningJobs(int) {}

func TestLedger_Lifecycle(t *testing.T) {
	rec := &countingRecorder{}
	l := New(rec)

	require.NoError(t, l.InitializeJob(1))
	require.NoError(t, l.SetExpected(1, 20))
	require.NoError(t, l.InitializePartition(1, "partition0", 10))
	require.NoError(t, l.InitializePartition(1, "partition1", 10))

	require.NoError(t, l.RecordChunk(1, "partition0", 10, 10))
	require.NoError(t, l.RecordChunk(1, "partition1", 10, 7))
	require.NoError(t, l.RecordRetry(1, RetryDetail{Partition: "partition1", Attempt: 1, Category: "transient-io"}))
	require.NoError(t, l.RecordRetry(1, RetryDetail{Partition: "partition1", Attempt: 1, Category: "transient-io", Success: true}))
	require.NoError(t, l.RecordSkip(1, SkipDetail{Partition: "partition1", Category: "projection", Records: 3}))

	require.NoError(t, l.CompletePartition(1, "partition0", 10, "COMPLETED"))
	require.NoError(t, l.CompletePartition(1, "partition1", 7, "COMPLETED"))
	require.NoError(t, l.FinalizeJob(1, "COMPLETED", 20, 17))

	m, ok := l.Job(1)
	require.True(t, ok)
	assert.True(t, m.Finalized())
	assert.Equal(t, "COMPLETED", m.Status)
	assert.Equal(t, int64(20), m.Expected)
	assert.Equal(t, int64(20), m.TotalRecordsRead)
	assert.Equal(t, int64(17), m.TotalRecordsWritten)
	assert.Equal(t, int64(20), m.TotalRecordsProcessed)
	assert.Equal(t, int64(2), m.TotalRetryAttempts)
	assert.Equal(t, int64(1), m.SuccessfulRetries)
	assert.Equal(t, int64(1), m.FailedRetries)
	assert.Equal(t, int64(1), m.TotalSkips)
	assert.Equal(t, int64(3), m.TotalRecordsSkipped)
	assert.Equal(t, 1, m.SkipReasonCount["projection"])
	assert.Len(t, m.RetryDetails, 2)
	assert.Len(t, m.SkipDetails, 1)
	assert.False(t, m.EndTime.IsZero())

	p1 := m.Partitions["partition1"]
	assert.True(t, p1.Completed)
	assert.Equal(t, "COMPLETED", p1.ExitCode)
	assert.Equal(t, 2, p1.RetryCount)
	assert.Equal(t, 1, p1.SkipCount)
	assert.Equal(t, int64(7), p1.RecordsWritten)

	assert.Equal(t, int64(20), rec.read)
	assert.Equal(t, int64(17), rec.written)
	assert.Equal(t, 2, rec.retries)
	assert.Equal(t, 1, rec.skips)
	assert.Equal(t, []string{"COMPLETED", "COMPLETED"}, rec.partDone)
	assert.Equal(t, []string{"COMPLETED"}, rec.finalized)
}

func TestLedger_Errors(t *testing.T) {
	l := New(nil)

	assert.ErrorIs(t, l.FinalizeJob(9, "FAILED", 0, 0), ErrJobNotFound)
	assert.ErrorIs(t, l.RecordChunk(9, "partition0", 1, 1), ErrJobNotFound)

	require.NoError(t, l.InitializeJob(9))
	assert.ErrorIs(t, l.InitializeJob(9), ErrJobExists)

	assert.ErrorIs(t, l.CompletePartition(9, "partition0", 0, "COMPLETED"), ErrPartitionNotFound)
	require.NoError(t, l.InitializePartition(9, "partition0", 5))
	assert.ErrorIs(t, l.InitializePartition(9, "partition0", 5), ErrPartitionExists)
	require.NoError(t, l.CompletePartition(9, "partition0", 5, "COMPLETED"))
	assert.ErrorIs(t, l.CompletePartition(9, "partition0", 5, "COMPLETED"), ErrPartitionCompleted)

	require.NoError(t, l.FinalizeJob(9, "FAILED", 5, 5))
	assert.ErrorIs(t, l.FinalizeJob(9, "COMPLETED", 5, 5), ErrJobFinalized)
	assert.ErrorIs(t, l.SetStatus(9, "RUNNING"), ErrJobFinalized)

	m, _ := l.Job(9)
	assert.Equal(t, "FAILED", m.Status)
}

func TestLedger_JobReturnsCopy(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.InitializeJob(1))
	require.NoError(t, l.RecordSkip(1, SkipDetail{Category: "projection"}))

	m, _ := l.Job(1)
	m.SkipReasonCount["projection"] = 99
	m.SkipDetails[0].Message = "mutated"

	again, _ := l.Job(1)
	assert.Equal(t, 1, again.SkipReasonCount["projection"])
	assert.Empty(t, again.SkipDetails[0].Message)
}

func TestLedger_Cleanup(t *testing.T) {
	tests := []struct {
		name      string
		jobs      int
		keep      int
		wantEvict int
		wantIDs   []int64
	}{
		{"keep fewer", 5, 2, 3, []int64{4, 5}},
		{"keep all", 3, 3, 0, []int64{1, 2, 3}},
		{"keep more", 2, 10, 0, []int64{1, 2}},
		{"keep none", 3, 0, 3, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(nil)
			for i := 1; i <= tt.jobs; i++ {
				require.NoError(t, l.InitializeJob(int64(i)))
				require.NoError(t, l.FinalizeJob(int64(i), "COMPLETED", 0, 0))
			}

			n, err := l.Cleanup(tt.keep)
			require.NoError(t, err)
			assert.Equal(t, tt.wantEvict, n)
			assert.Equal(t, len(tt.wantIDs), l.Len())
			assert.ElementsMatch(t, tt.wantIDs, l.JobIDs())

			for _, id := range tt.wantIDs {
				_, ok := l.Job(id)
				assert.True(t, ok, "job %d should be retained", id)
			}
		})
	}

	_, err := New(nil).Cleanup(-1)
	assert.ErrorIs(t, err, ErrNegativeKeep)
}

func TestLedger_CleanupKeepsRunningJobs(t *testing.T) {
	l := New(nil)
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, l.InitializeJob(i))
	}
	require.NoError(t, l.InitializePartition(1, "partition0", 10))
	require.NoError(t, l.FinalizeJob(2, "COMPLETED", 0, 0))
	require.NoError(t, l.FinalizeJob(4, "FAILED", 0, 0))

	n, err := l.Cleanup(1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 3}, l.JobIDs())
	assert.Equal(t, 2, l.Len())

	require.NoError(t, l.RecordChunk(1, "partition0", 10, 10))
	require.NoError(t, l.FinalizeJob(1, "COMPLETED", 10, 10))

	n, err = l.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{3}, l.JobIDs())
}

func TestLedger_Progress(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.InitializeJob(3))
	require.NoError(t, l.SetExpected(3, 100))
	require.NoError(t, l.InitializePartition(3, "partition0", 100))
	require.NoError(t, l.RecordChunk(3, "partition0", 40, 38))
	require.NoError(t, l.RecordSkip(3, SkipDetail{Partition: "partition0", Category: "projection", Records: 2}))

	p, ok := l.Progress(3)
	require.True(t, ok)
	assert.Equal(t, int64(100), p.Expected)
	assert.Equal(t, int64(40), p.Processed)
	assert.Equal(t, int64(38), p.Written)
	assert.Equal(t, int64(2), p.Skipped)
	assert.Equal(t, int64(1), p.Errors)

	_, ok = l.Progress(404)
	assert.False(t, ok)
}

func TestLedger_ConcurrentUpdates(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.InitializeJob(1))

	const partitions = 4
	const chunks = 250
	for i := 0; i < partitions; i++ {
		require.NoError(t, l.InitializePartition(1, partitionName(i), chunks))
	}

	var wg sync.WaitGroup
	for i := 0; i < partitions; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for j := 0; j < chunks; j++ {
				_ = l.RecordChunk(1, name, 1, 1)
				_ = l.RecordSkip(1, SkipDetail{Partition: name, Category: "projection"})
			}
		}(partitionName(i))
	}
	wg.Wait()

	m, _ := l.Job(1)
	assert.Equal(t, int64(partitions*chunks), m.TotalRecordsProcessed)
	assert.Equal(t, int64(partitions*chunks), m.TotalSkips)
	assert.Equal(t, partitions*chunks, m.SkipReasonCount["projection"])
	for i := 0; i < partitions; i++ {
		assert.Equal(t, chunks, m.Partitions[partitionName(i)].SkipCount)
	}
}

func partitionName(i int) string {
	return "partition" + string(rune('0'+i))
}
