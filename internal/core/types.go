package core

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/store"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotRunning      = errors.New("job is not running")
	ErrArchiveUnavailable = errors.New("archive not available")
)

// Input file names inside a job's base directory.
const (
	PolygonFileName = "polygon.csv"
	LayerFileName   = "layer.csv"
)

// ObjectStore fetches job inputs and persists result archives.
// *objectstore.Client satisfies it.
type ObjectStore interface {
	Fetch(ctx context.Context, objectID, dst string) error
	Push(ctx context.Context, src, key string) (string, error)
}

// Input is one job input: an uploaded body or an object-store id.
// Reader takes precedence when both are set.
type Input struct {
	Name     string
	Reader   io.Reader
	ObjectID string
}

func (in Input) empty() bool {
	return in.Reader == nil && in.ObjectID == ""
}

// StartRequest submits a batch job.
type StartRequest struct {
	// PartitionCount and ChunkSize fall back to the configured defaults
	// when zero.
	PartitionCount int
	ChunkSize      int

	// MaxRetryAttempts, RetryBackoff and MaxSkipCount override the configured
	// retry and skip limits for this job when positive.
	MaxRetryAttempts int
	RetryBackoff     time.Duration
	MaxSkipCount     int

	// Parameters is the JSON projection parameters document.
	Parameters []byte

	Polygon Input
	Layer   Input
}

// JobStatus combines the persisted execution record with live progress.
type JobStatus struct {
	store.Execution
	Running  bool             `json:"running"`
	Progress *ledger.Progress `json:"progress,omitempty"`
}

// HealthStatus reports the state of the service's dependencies.
type HealthStatus struct {
	Status      string        `json:"status"`
	Store       string        `json:"store"`
	RunningJobs int           `json:"runningJobs"`
	Jobs        LimiterStatus `json:"jobSlots"`
	Ledger      int           `json:"trackedJobs"`
}

// Statistics summarizes every job the store and ledger still know about.
type Statistics struct {
	TotalJobs     int     `json:"totalJobs"`
	CompletedJobs int     `json:"completedJobs"`
	FailedJobs    int     `json:"failedJobs"`
	StoppedJobs   int     `json:"stoppedJobs"`
	RunningJobs   int     `json:"runningJobs"`
	SuccessRate   float64 `json:"successRate"`

	// Processing totals come from the ledger and cover only retained jobs.
	TotalRecordsProcessed int64 `json:"totalRecordsProcessed"`
	TotalRecordsSkipped   int64 `json:"totalSkippedRecords"`
	TotalRetryAttempts    int64 `json:"totalRetryAttempts"`
	AverageRecordsPerJob  int64 `json:"averageRecordsPerJob"`
}
