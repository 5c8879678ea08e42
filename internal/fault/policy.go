package fault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
)

// ErrSkipLimitExceeded is returned by SkipPolicy once its budget is spent.
var ErrSkipLimitExceeded = errors.New("skip limit exceeded")

// RetryPolicy bounds retries of a failed chunk. It is shared by all workers
// of a job; retry state per chunk lives in the caller's attempt counter.
type RetryPolicy struct {
	maxAttempts int
	backoff     time.Duration

	ledger *ledger.Ledger
	jobID  int64
}

// NewRetryPolicy builds a retry policy that records events against jobID.
// maxAttempts counts the first try, so at most maxAttempts-1 retries happen.
func NewRetryPolicy(maxAttempts int, backoff time.Duration, l *ledger.Ledger, jobID int64) (*RetryPolicy, error) {
	if maxAttempts <= 0 {
		return nil, Newf(CategoryConfig, "retry policy", "max attempts must be positive, got %d", maxAttempts)
	}
	if backoff < 0 {
		return nil, Newf(CategoryConfig, "retry policy", "backoff must not be negative, got %s", backoff)
	}
	return &RetryPolicy{maxAttempts: maxAttempts, backoff: backoff, ledger: l, jobID: jobID}, nil
}

// MaxAttempts returns the configured attempt limit.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// CanRetry decides whether the chunk that failed on attempt (1-based) should
// be tried again. On true it has recorded the failed attempt and slept the
// backoff. A cancelled ctx ends the sleep and returns false.
func (p *RetryPolicy) CanRetry(ctx context.Context, f *Fault, attempt int) bool {
	if f == nil || !f.Retryable || attempt >= p.maxAttempts {
		return false
	}

	if p.ledger != nil {
		_ = p.ledger.RecordRetry(p.jobID, ledger.RetryDetail{
			Key:       f.Key,
			Attempt:   attempt,
			Category:  string(f.Category),
			Message:   f.Message(),
			Success:   false,
			Partition: f.Partition,
		})
	}

	if p.backoff == 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(p.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RecordRecovery records that attempt succeeded after earlier failures of
// the given category.
func (p *RetryPolicy) RecordRecovery(partition, key string, category Category, attempt int) {
	if p.ledger == nil {
		return
	}
	_ = p.ledger.RecordRetry(p.jobID, ledger.RetryDetail{
		Key:       key,
		Attempt:   attempt,
		Category:  string(category),
		Message:   "recovered",
		Success:   true,
		Partition: partition,
	})
}

// SkipPolicy bounds how many chunks one partition may skip.
type SkipPolicy struct {
	mu       sync.Mutex
	maxSkips int
	count    int

	ledger    *ledger.Ledger
	jobID     int64
	partition string
}

// NewSkipPolicy builds a skip policy for one partition worker.
func NewSkipPolicy(maxSkips int, l *ledger.Ledger, jobID int64, partition string) (*SkipPolicy, error) {
	if maxSkips <= 0 {
		return nil, Newf(CategoryConfig, "skip policy", "max skip count must be positive, got %d", maxSkips)
	}
	return &SkipPolicy{maxSkips: maxSkips, ledger: l, jobID: jobID, partition: partition}, nil
}

// ShouldSkip reports whether the chunk that raised f may be skipped.
// records is the number of polygon records the chunk carried.
// Once maxSkips skips have been granted it returns ErrSkipLimitExceeded.
func (p *SkipPolicy) ShouldSkip(f *Fault, records int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count >= p.maxSkips {
		return false, ErrSkipLimitExceeded
	}
	if f == nil || !f.Skippable {
		return false, nil
	}

	p.count++
	if p.ledger != nil {
		_ = p.ledger.RecordSkip(p.jobID, ledger.SkipDetail{
			Key:       f.Key,
			Category:  string(f.Category),
			Message:   f.Message(),
			Partition: p.partition,
			Records:   records,
		})
	}
	return true, nil
}

// Count returns the number of skips granted so far.
func (p *SkipPolicy) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
