package ledger

import "time"

// JobMetrics is the ledger record for one job execution. Values returned by
// Ledger.Job are deep copies and safe to read without holding any lock.
type JobMetrics struct {
	JobID     int64     `json:"jobExecutionId"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitzero"`

	// Expected is the number of polygon records the partitioner assigned.
	Expected int64 `json:"expectedRecords"`

	TotalRecordsRead      int64 `json:"totalRecordsRead"`
	TotalRecordsWritten   int64 `json:"totalRecordsWritten"`
	TotalRecordsProcessed int64 `json:"totalRecordsProcessed"`

	TotalRetryAttempts int64         `json:"totalRetryAttempts"`
	SuccessfulRetries  int64         `json:"successfulRetries"`
	FailedRetries      int64         `json:"failedRetries"`
	RetryDetails       []RetryDetail `json:"retryEvents"`

	TotalSkips          int64          `json:"totalSkips"`
	TotalRecordsSkipped int64          `json:"totalRecordsSkipped"`
	SkipReasonCount     map[string]int `json:"skipReasonCount"`
	SkipDetails         []SkipDetail   `json:"skipEvents"`

	Partitions map[string]PartitionMetrics `json:"partitionMetrics"`

	finalized bool
}

// Finalized reports whether FinalizeJob has been applied.
func (m JobMetrics) Finalized() bool {
	return m.finalized
}

// Duration is the elapsed wall time, up to now for a running job.
func (m JobMetrics) Duration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

// PartitionMetrics is the per-partition sub-record of a job.
type PartitionMetrics struct {
	Name           string    `json:"partitionName"`
	Assigned       int64     `json:"assignedRecords"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime,omitzero"`
	RecordsRead    int64     `json:"recordsRead"`
	RecordsWritten int64     `json:"recordsWritten"`
	RetryCount     int       `json:"retryCount"`
	SkipCount      int       `json:"skipCount"`
	ExitCode       string    `json:"exitCode,omitempty"`
	Completed      bool      `json:"completed"`
}

// RetryDetail is one retry attempt.
type RetryDetail struct {
	Key       string    `json:"key,omitempty"`
	Attempt   int       `json:"attempt"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Success   bool      `json:"successful"`
	Partition string    `json:"partitionName"`
	At        time.Time `json:"timestamp"`
}

// SkipDetail is one skipped chunk.
type SkipDetail struct {
	Key       string    `json:"key,omitempty"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Partition string    `json:"partitionName"`
	Records   int       `json:"records"`
	At        time.Time `json:"timestamp"`
}

// Progress is a compact view of a running job used for change detection and
// push notifications.
type Progress struct {
	JobID     int64  `json:"jobExecutionId"`
	Status    string `json:"status"`
	Expected  int64  `json:"totalPolygons"`
	Processed int64  `json:"polygonsProcessed"`
	Written   int64  `json:"polygonsWritten"`
	Skipped   int64  `json:"polygonsSkipped"`
	Errors    int64  `json:"errorCount"`
}

func (m *JobMetrics) clone() JobMetrics {
	out := *m
	out.RetryDetails = append([]RetryDetail(nil), m.RetryDetails...)
	out.SkipDetails = append([]SkipDetail(nil), m.SkipDetails...)
	out.SkipReasonCount = make(map[string]int, len(m.SkipReasonCount))
	for k, v := range m.SkipReasonCount {
		out.SkipReasonCount[k] = v
	}
	out.Partitions = make(map[string]PartitionMetrics, len(m.Partitions))
	for k, v := range m.Partitions {
		out.Partitions[k] = v
	}
	return out
}
