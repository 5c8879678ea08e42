// Package metrics exports batch pipeline counters.
//
// The metrics ledger is the system of record for job status; a Recorder only
// mirrors what the ledger sees so it can be scraped. Two implementations are
// provided: Nop, which discards everything, and Prometheus.
package metrics

import "time"

// Recorder receives pipeline events. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	// RecordChunk counts records read and written by one chunk.
	RecordChunk(partition string, read, written int64)

	// RecordRetry counts a retry attempt and whether it recovered.
	RecordRetry(partition string, success bool)

	// RecordSkip counts a skipped chunk by fault category.
	RecordSkip(partition, category string)

	// RecordPartitionComplete observes a finished partition.
	RecordPartitionComplete(exitCode string, elapsed time.Duration)

	// RecordJobFinalized observes a finished job.
	RecordJobFinalized(status string, elapsed time.Duration)

	// SetRunningJobs reports the number of jobs currently executing.
	SetRunningJobs(n int)
}
