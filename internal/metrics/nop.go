package metrics

import "time"

// Nop discards all metrics. It is the default when metrics export is
// disabled and in tests.
type Nop struct{}

var _ Recorder = Nop{}

// NewNop returns a Recorder that does nothing.
func NewNop() Nop {
	return Nop{}
}

func (Nop) RecordChunk(string, int64, int64)              {}
func (Nop) RecordRetry(string, bool)                      {}
func (Nop) RecordSkip(string, string)                     {}
func (Nop) RecordPartitionComplete(string, time.Duration) {}
func (Nop) RecordJobFinalized(string, time.Duration)      {}
func (Nop) SetRunningJobs(int)                            {}
