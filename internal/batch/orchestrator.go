// Package batch runs a projection job: partition the inputs, process every
// partition concurrently on a shared worker pool, then aggregate the
// partition outputs into one archive.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/aggregate"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/logging"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
)

// Config holds the per-job processing limits.
type Config struct {
	GridSize         int
	ChunkSize        int
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	SkipMaxCount     int
	MinValidFileSize int64
	CleanupEnabled   bool
}

// Validate checks the limits an Execution depends on.
func (c Config) Validate() error {
	var errs []error
	if c.GridSize < 1 {
		errs = append(errs, fmt.Errorf("grid size must be at least 1, got %d", c.GridSize))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk size must be at least 1, got %d", c.ChunkSize))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry max attempts must be at least 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry backoff must not be negative, got %s", c.RetryBackoff))
	}
	if c.SkipMaxCount < 1 {
		errs = append(errs, fmt.Errorf("skip max count must be at least 1, got %d", c.SkipMaxCount))
	}
	if len(errs) > 0 {
		return fault.New(fault.CategoryConfig, "batch config", errors.Join(errs...))
	}
	return nil
}

// Job describes one batch run.
type Job struct {
	ID   int64
	GUID string
	// BaseDir holds the partition directories and the result archive.
	BaseDir string

	// PolygonPath and LayerPath are the raw inputs. When Partitioned is set
	// they are ignored and BaseDir must already hold the input-partition
	// directories.
	PolygonPath string
	LayerPath   string
	Partitioned bool

	Params projection.Parameters

	// GridSize, ChunkSize, RetryMaxAttempts, RetryBackoff and SkipMaxCount
	// override Config when positive.
	GridSize         int
	ChunkSize        int
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	SkipMaxCount     int
}

// Outcome is the result of Run.
type Outcome struct {
	JobID       int64
	Status      State
	ArchivePath string
	Read        int64
	Written     int64
	Partitions  []PartitionOutcome
	Duration    time.Duration
	Err         error
	// ArchiveErr is set when a completed job's archive failed validation.
	// The partition directories are then kept for inspection.
	ArchiveErr error
}

// Orchestrator creates executions that share a worker pool, an engine and a
// ledger.
type Orchestrator struct {
	cfg    Config
	pool   *Pool
	engine projection.Engine
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
	verify func(aggregate.Result) error
}

// NewOrchestrator validates cfg and returns an Orchestrator.
func NewOrchestrator(cfg Config, pool *Pool, engine projection.Engine, l *ledger.Ledger, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil || engine == nil || l == nil {
		return nil, fault.Newf(fault.CategoryConfig, "orchestrator", "pool, engine and ledger are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		pool:   pool,
		engine: engine,
		ledger: l,
		logger: logger,
		now:    time.Now,
		verify: aggregate.Verify,
	}, nil
}

// Config returns the default job limits.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Execution is one running job. Stop may be called from any goroutine.
type Execution struct {
	o         *Orchestrator
	job       Job
	gridSize  int
	chunkSize int
	skipMax   int
	lifecycle *Lifecycle
	retry     *fault.RetryPolicy

	stop  atomic.Bool
	abort atomic.Bool

	done    chan struct{}
	outcome Outcome
}

// NewExecution prepares job. observer, when non-nil, sees every state
// transition.
func (o *Orchestrator) NewExecution(job Job, observer Observer) (*Execution, error) {
	if job.BaseDir == "" {
		return nil, fault.Newf(fault.CategoryConfig, "new execution", "base directory is required")
	}
	if !job.Partitioned && (job.PolygonPath == "" || job.LayerPath == "") {
		return nil, fault.Newf(fault.CategoryConfig, "new execution", "polygon and layer inputs are required")
	}

	e := &Execution{
		o:         o,
		job:       job,
		gridSize:  o.cfg.GridSize,
		chunkSize: o.cfg.ChunkSize,
		skipMax:   o.cfg.SkipMaxCount,
		lifecycle: NewLifecycle(job.ID, observer),
		done:      make(chan struct{}),
	}
	if job.GridSize > 0 {
		e.gridSize = job.GridSize
	}
	if job.ChunkSize > 0 {
		e.chunkSize = job.ChunkSize
	}
	if job.SkipMaxCount > 0 {
		e.skipMax = job.SkipMaxCount
	}
	attempts, backoff := o.cfg.RetryMaxAttempts, o.cfg.RetryBackoff
	if job.RetryMaxAttempts > 0 {
		attempts = job.RetryMaxAttempts
	}
	if job.RetryBackoff > 0 {
		backoff = job.RetryBackoff
	}

	retry, err := fault.NewRetryPolicy(attempts, backoff, o.ledger, job.ID)
	if err != nil {
		return nil, err
	}
	e.retry = retry
	return e, nil
}

// JobID returns the id of the job.
func (e *Execution) JobID() int64 { return e.job.ID }

// State returns the current lifecycle state.
func (e *Execution) State() State { return e.lifecycle.State() }

// Stop asks the job to halt. Partitions that have not started never start;
// running partitions finish their current chunk.
func (e *Execution) Stop() {
	e.stop.Store(true)
}

// Stopping reports whether Stop has been called.
func (e *Execution) Stopping() bool {
	return e.stop.Load()
}

// Done is closed when Run returns.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Outcome returns the result of Run. It is only meaningful after Done.
func (e *Execution) Outcome() Outcome {
	<-e.done
	return e.outcome
}

// Run executes the job and blocks until it reaches a terminal state.
func (e *Execution) Run(ctx context.Context) Outcome {
	defer close(e.done)

	start := time.Now()
	logger := logging.WithJob(ctx, e.job.ID, "")
	out := Outcome{JobID: e.job.ID}

	finish := func(status State, err error) Outcome {
		if err != nil && status != StateFailed {
			status = StateFailed
		}
		if e.lifecycle.State() != status {
			if terr := e.lifecycle.Transition(status); terr != nil {
				logger.Error("state transition failed", "error", terr)
			}
		}
		for _, p := range out.Partitions {
			out.Read += p.Read
			out.Written += p.Written
		}
		if ferr := e.o.ledger.FinalizeJob(e.job.ID, string(status), out.Read, out.Written); ferr != nil {
			logger.Warn("finalize job metrics failed", "error", ferr)
		}

		out.Status = status
		out.Err = err
		out.Duration = time.Since(start)
		logger.Info("batch job finished",
			"status", status,
			"records_read", out.Read,
			"records_written", out.Written,
			"duration_ms", out.Duration.Milliseconds(),
		)
		e.outcome = out
		return out
	}

	if err := e.o.ledger.InitializeJob(e.job.ID); err != nil {
		out.Status = StateFailed
		out.Err = err
		e.outcome = out
		return out
	}

	logger.Info("batch job started",
		"guid", e.job.GUID,
		"base_dir", e.job.BaseDir,
		"grid_size", e.gridSize,
		"chunk_size", e.chunkSize,
		"retry_max_attempts", e.retry.MaxAttempts(),
		"skip_max_count", e.skipMax,
	)

	assigned, err := e.prepare(ctx, logger)
	if err != nil {
		return finish(StateFailed, err)
	}
	if e.stop.Load() {
		return finish(e.stopped(logger), nil)
	}

	if err := e.lifecycle.Transition(StatePartitionsRunning); err != nil {
		return finish(StateFailed, err)
	}
	_ = e.o.ledger.SetStatus(e.job.ID, string(StatePartitionsRunning))

	out.Partitions, err = e.runPartitions(ctx, assigned)
	if err != nil {
		return finish(StateFailed, err)
	}

	if e.stop.Load() || ctx.Err() != nil {
		return finish(e.stopped(logger), nil)
	}

	if err := e.lifecycle.Transition(StateAggregating); err != nil {
		return finish(StateFailed, err)
	}
	_ = e.o.ledger.SetStatus(e.job.ID, string(StateAggregating))

	if err := e.aggregate(ctx, logger, &out); err != nil {
		return finish(StateFailed, err)
	}
	return finish(StateCompleted, nil)
}

// prepare partitions the raw inputs and returns the polygon count assigned to
// each partition. Pre-partitioned jobs report zero for every partition.
func (e *Execution) prepare(ctx context.Context, logger *slog.Logger) ([]int64, error) {
	if e.job.Partitioned {
		return make([]int64, e.gridSize), nil
	}

	p, err := partition.New(e.job.BaseDir, e.gridSize, logger)
	if err != nil {
		return nil, err
	}
	res, err := p.Partition(ctx, e.job.PolygonPath, e.job.LayerPath)
	if err != nil {
		return nil, err
	}
	_ = e.o.ledger.SetExpected(e.job.ID, res.TotalPolygons)

	assigned := make([]int64, len(res.Assignments))
	for i, a := range res.Assignments {
		assigned[i] = a.Polygons
	}
	return assigned, nil
}

// runPartitions submits one task per partition and waits for all of them. It
// returns an error when a partition failed fatally.
func (e *Execution) runPartitions(ctx context.Context, assigned []int64) ([]PartitionOutcome, error) {
	results := make([]PartitionOutcome, len(assigned))
	var wg sync.WaitGroup

	for i := range assigned {
		results[i] = PartitionOutcome{Index: i, Name: partition.Name(i), ExitCode: ExitNotStarted}
		if e.stop.Load() || e.abort.Load() {
			continue
		}

		wg.Add(1)
		err := e.o.pool.Submit(func() {
			defer wg.Done()
			results[i] = e.runPartition(ctx, i, assigned[i])
		})
		if err != nil {
			wg.Done()
			e.abort.Store(true)
			wg.Wait()
			return results, fmt.Errorf("submit partition %d: %w", i, err)
		}
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			return results, r.Err
		}
	}
	return results, nil
}

// aggregate writes the result archive into out. Validation only gates the
// interim cleanup: an archive that fails it is still reported, with the
// validation error in out.ArchiveErr, and the partition directories stay.
func (e *Execution) aggregate(ctx context.Context, logger *slog.Logger, out *Outcome) error {
	agg := aggregate.New(aggregate.Options{
		MinValidFileSize: e.o.cfg.MinValidFileSize,
		Now:              e.o.now,
		Logger:           logger,
	})
	res, err := agg.Aggregate(ctx, e.job.BaseDir)
	if err != nil {
		return err
	}
	out.ArchivePath = res.ArchivePath
	if verr := e.o.verify(res); verr != nil {
		logger.Warn("archive failed validation, partition directories kept",
			"archive", res.ArchivePath,
			"error", verr,
		)
		out.ArchiveErr = verr
		return nil
	}

	if e.o.cfg.CleanupEnabled {
		if _, err := aggregate.Cleanup(e.job.BaseDir, logger); err != nil {
			logger.Warn("interim cleanup incomplete", "error", err)
		}
	}
	return nil
}

// stopped runs the stop-time cleanup and returns StateStopped. No archive is
// written for a stopped job.
func (e *Execution) stopped(logger *slog.Logger) State {
	logger.Info("batch job stopped")
	if e.o.cfg.CleanupEnabled {
		if _, err := aggregate.Cleanup(e.job.BaseDir, logger); err != nil {
			logger.Warn("interim cleanup incomplete", "error", err)
		}
	}
	return StateStopped
}
