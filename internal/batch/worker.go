package batch

// worker.go processes one partition: its chunks run strictly in sequence,
// each through the retry and skip policies.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/JonMunkholm/vdyp-batch/internal/chunk"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/logging"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
)

// Partition exit codes.
const (
	ExitCompleted         = "COMPLETED"
	ExitFailed            = "FAILED"
	ExitStopped           = "STOPPED"
	ExitSkipLimitExceeded = "SKIP_LIMIT_EXCEEDED"
	// ExitNotStarted marks a partition that was never submitted. It is not
	// recorded in the ledger.
	ExitNotStarted = "NOT_STARTED"
)

// PartitionOutcome summarizes one partition worker.
type PartitionOutcome struct {
	Index    int
	Name     string
	ExitCode string
	Chunks   int
	Read     int64
	Written  int64
	Skipped  int64
	Err      error
}

// runPartition is the pool task for partition i. A fatal error sets the abort
// flag so the other workers halt before their next chunk.
func (e *Execution) runPartition(ctx context.Context, i int, assigned int64) PartitionOutcome {
	start := time.Now()
	name := partition.Name(i)
	logger := logging.WithJob(ctx, e.job.ID, name)
	out := PartitionOutcome{Index: i, Name: name}

	if err := e.o.ledger.InitializePartition(e.job.ID, name, assigned); err != nil {
		logger.Warn("partition metrics not initialized", "error", err)
	}

	out.ExitCode, out.Err = e.processPartition(ctx, i, logger, &out)
	if out.Err != nil {
		e.abort.Store(true)
		f := fault.From(out.Err)
		logger.Error("partition failed",
			"key", f.Key,
			"category", f.Category,
			"error", out.Err,
		)
	}

	if err := e.o.ledger.CompletePartition(e.job.ID, name, out.Written, out.ExitCode); err != nil {
		logger.Warn("partition metrics not completed", "error", err)
	}
	logger.Info("partition finished",
		"exit_code", out.ExitCode,
		"chunks", out.Chunks,
		"records_read", out.Read,
		"records_written", out.Written,
		"records_skipped", out.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

func (e *Execution) processPartition(ctx context.Context, i int, logger *slog.Logger, out *PartitionOutcome) (string, error) {
	name := out.Name

	skip, err := fault.NewSkipPolicy(e.skipMax, e.o.ledger, e.job.ID, name)
	if err != nil {
		return ExitFailed, err
	}

	r, err := chunk.NewReader(name, partition.InputDir(e.job.BaseDir, i), e.chunkSize)
	if err != nil {
		return ExitFailed, err
	}
	if err := r.Open(); err != nil {
		return ExitFailed, fault.Annotate(err, e.job.ID, name)
	}
	defer r.Close()

	outDir := partition.OutputDir(e.job.BaseDir, i)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ExitFailed, fault.New(fault.CategoryResultStorage, "create output dir", err).WithJob(e.job.ID, name)
	}

	logger.Debug("partition started", "polygons", r.Total())

	for {
		if e.stop.Load() || e.abort.Load() || ctx.Err() != nil {
			return ExitStopped, nil
		}

		d, err := r.Read()
		if errors.Is(err, chunk.ErrExhausted) {
			return ExitCompleted, nil
		}
		if err != nil {
			return ExitFailed, fault.Annotate(err, e.job.ID, name)
		}

		skipped, err := e.processChunk(ctx, i, d, skip, logger)
		out.Chunks++
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return ExitStopped, nil
			}
			if errors.Is(err, fault.ErrSkipLimitExceeded) {
				return ExitSkipLimitExceeded, err
			}
			return ExitFailed, err
		}

		out.Read += int64(d.PolygonCount)
		if skipped {
			out.Skipped += int64(d.PolygonCount)
		} else {
			out.Written += int64(d.PolygonCount)
		}
	}
}

// processChunk runs one chunk to completion: success, skip, or a fatal error.
// skipped reports that the chunk's records were counted as read but not
// written.
func (e *Execution) processChunk(ctx context.Context, i int, d chunk.Descriptor, skip *fault.SkipPolicy, logger *slog.Logger) (skipped bool, err error) {
	name := d.Partition
	var retried fault.Category

	for attempt := 1; ; attempt++ {
		err := e.attempt(ctx, i, d)
		if err == nil {
			if attempt > 1 {
				e.retry.RecordRecovery(name, d.FirstKey, retried, attempt)
			}
			_ = e.o.ledger.RecordChunk(e.job.ID, name, int64(d.PolygonCount), int64(d.PolygonCount))
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		f := fault.Annotate(err, e.job.ID, name)
		if f.Key == "" {
			f.WithKey(d.FirstKey)
		}
		logger.Warn("chunk failed",
			"chunk", d.Sequence,
			"attempt", attempt,
			"key", f.Key,
			"category", f.Category,
			"error", err,
		)

		if e.retry.CanRetry(ctx, f, attempt) {
			retried = f.Category
			continue
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		ok, serr := skip.ShouldSkip(f, d.PolygonCount)
		if serr != nil {
			return false, fmt.Errorf("%s chunk %d: %w: %w", name, d.Sequence, serr, f)
		}
		if !ok {
			return false, f
		}

		logger.Warn("chunk skipped",
			"chunk", d.Sequence,
			"records", d.PolygonCount,
			"key", f.Key,
			"category", f.Category,
		)
		_ = e.o.ledger.RecordChunk(e.job.ID, name, int64(d.PolygonCount), 0)
		return true, nil
	}
}

// attempt runs the engine once against a fresh fragment writer. Fragments are
// committed only when the engine succeeds.
func (e *Execution) attempt(ctx context.Context, i int, d chunk.Descriptor) error {
	polygons, err := chunk.OpenSection(d.PolygonPath(), d.PolygonOffset, d.PolygonLength)
	if err != nil {
		return err
	}
	defer polygons.Close()

	layers, err := chunk.OpenSection(d.LayerPath(), d.LayerOffset, d.LayerLength)
	if err != nil {
		return err
	}
	defer layers.Close()

	sink := projection.NewFragmentWriter(partition.OutputDir(e.job.BaseDir, i), e.job.ID, d.Partition, d.Sequence, e.job.Params, e.o.now())
	req := projection.Request{
		JobID:          e.job.ID,
		JobGUID:        e.job.GUID,
		Partition:      d.Partition,
		PartitionIndex: i,
		Chunk:          d,
		Params:         e.job.Params,
		Polygons:       polygons,
		Layers:         layers,
	}

	if err := e.o.engine.Project(ctx, req, sink); err != nil {
		sink.Discard()
		return err
	}
	if _, err := sink.Commit(); err != nil {
		return err
	}
	return nil
}
