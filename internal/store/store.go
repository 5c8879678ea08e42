// Package store persists batch job executions.
//
// The store issues the numeric execution id of every job and keeps its
// status after the in-memory ledger has pruned the job's metrics. Two
// drivers are provided: SQLite for single-node and local use, Postgres for
// shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no execution has the requested id.
var ErrNotFound = errors.New("execution not found")

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Execution is the persisted record of one job.
type Execution struct {
	ID             int64      `json:"id"`
	GUID           string     `json:"guid"`
	Status         string     `json:"status"`
	PartitionCount int        `json:"partitionCount"`
	ChunkSize      int        `json:"chunkSize"`
	Parameters     string     `json:"parameters,omitempty"`
	ArchivePath    string     `json:"archivePath,omitempty"`
	ArchiveKey     string     `json:"archiveKey,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// NewExecution holds the fields set when a job is created.
type NewExecution struct {
	GUID           string
	Status         string
	PartitionCount int
	ChunkSize      int
	Parameters     string
}

// Store is implemented by every driver. All methods are safe for concurrent
// use.
type Store interface {
	// Create inserts a new execution and returns it with its issued id.
	Create(ctx context.Context, e NewExecution) (Execution, error)

	// UpdateStatus records a non-terminal status change.
	UpdateStatus(ctx context.Context, id int64, status string) error

	// Finish records a terminal status, an optional error message and the
	// finish time.
	Finish(ctx context.Context, id int64, status, errMsg string) error

	// SetArchive records where the result archive was written.
	SetArchive(ctx context.Context, id int64, path, key string) error

	Get(ctx context.Context, id int64) (Execution, error)

	// List returns the most recent executions first. limit <= 0 means no
	// limit.
	List(ctx context.Context, limit int) ([]Execution, error)

	// DeleteFinishedBefore removes executions that finished before t and
	// returns how many were removed.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver string

	// Postgres
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// SQLite
	Path string
}

// Open connects to the configured driver and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
