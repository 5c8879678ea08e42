// Command batchctl runs the batch pipeline, or one of its steps, against
// local files without the server or a job store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/vdyp-batch/internal/aggregate"
	"github.com/JonMunkholm/vdyp-batch/internal/batch"
	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/logging"
	"github.com/JonMunkholm/vdyp-batch/internal/partition"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
)

func main() {
	// .env values never override the environment here.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "batchctl",
		Short:        "Run VDYP batch projections against local files",
		SilenceUsage: true,
		// Logs go to stderr so stdout carries only the JSON result.
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logging.New(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat))
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", envOr("LOG_FORMAT", "text"), "text or json")

	root.AddCommand(newRunCmd(), newPartitionCmd(), newAggregateCmd())
	return root
}

type runOptions struct {
	polygon, layer string
	params         string
	workDir        string

	engine     string
	engineArgs []string
	scratchDir string

	partitions   int
	chunkSize    int
	retries      int
	retryBackoff time.Duration
	skipMax      int
	minValidSize int64
	keep         bool
	workers      int
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Partition, project and aggregate one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJob(ctx, cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.polygon, "polygon", "", "polygon CSV file (required)")
	f.StringVar(&o.layer, "layer", "", "layer CSV file (required)")
	f.StringVar(&o.params, "params", "", "projection parameters file, YAML or JSON")
	f.StringVar(&o.workDir, "work-dir", envOr("BATCH_WORK_DIR", ""), "parent of the job directory (default: system temp dir)")
	f.StringVar(&o.engine, "engine", envOr("ENGINE_COMMAND", ""), "projection binary")
	f.StringSliceVar(&o.engineArgs, "engine-arg", nil, "argument passed to the projection binary (repeatable)")
	f.StringVar(&o.scratchDir, "scratch-dir", envOr("ENGINE_SCRATCH_DIR", ""), "parent of per-chunk scratch directories")
	f.IntVar(&o.partitions, "partitions", 4, "number of partitions")
	f.IntVar(&o.chunkSize, "chunk-size", 1000, "polygons per chunk")
	f.IntVar(&o.retries, "retry-max-attempts", 3, "attempts per chunk, the first try included")
	f.DurationVar(&o.retryBackoff, "retry-backoff", time.Second, "delay between attempts")
	f.IntVar(&o.skipMax, "skip-max", 5, "chunks a partition may skip")
	f.Int64Var(&o.minValidSize, "min-valid-file-size", 1, "smallest fragment used for header recovery")
	f.BoolVar(&o.keep, "keep", false, "keep partition directories after the job")
	f.IntVar(&o.workers, "workers", 4, "partition workers")
	_ = cmd.MarkFlagRequired("polygon")
	_ = cmd.MarkFlagRequired("layer")
	return cmd
}

func runJob(ctx context.Context, cmd *cobra.Command, o *runOptions) error {
	if o.engine == "" {
		return fmt.Errorf("--engine or ENGINE_COMMAND is required")
	}
	params, err := loadParameters(o.params)
	if err != nil {
		return err
	}

	pool, err := batch.NewPool(o.workers, o.workers, o.workers)
	if err != nil {
		return err
	}
	defer pool.Shutdown()

	orch, err := batch.NewOrchestrator(batch.Config{
		GridSize:         o.partitions,
		ChunkSize:        o.chunkSize,
		RetryMaxAttempts: o.retries,
		RetryBackoff:     o.retryBackoff,
		SkipMaxCount:     o.skipMax,
		MinValidFileSize: o.minValidSize,
		CleanupEnabled:   !o.keep,
	}, pool, &projection.ExecEngine{
		Command:    o.engine,
		Args:       o.engineArgs,
		ScratchDir: o.scratchDir,
		Logger:     slog.Default(),
	}, ledger.New(nil), slog.Default())
	if err != nil {
		return err
	}

	workDir := o.workDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	guid := uuid.NewString()
	baseDir := filepath.Join(workDir, "vdyp-batch-"+guid)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	slog.Info("job directory", "base_dir", baseDir)

	exec, err := orch.NewExecution(batch.Job{
		ID:          1,
		GUID:        guid,
		BaseDir:     baseDir,
		PolygonPath: o.polygon,
		LayerPath:   o.layer,
		Params:      params,
	}, nil)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			slog.Warn("interrupted, stopping job")
			exec.Stop()
		case <-exec.Done():
		}
	}()

	out := exec.Run(context.Background())
	if err := printJSON(cmd, outcomeView(out)); err != nil {
		return err
	}
	if out.Status != batch.StateCompleted {
		if out.Err != nil {
			return out.Err
		}
		return fmt.Errorf("job finished %s", out.Status)
	}
	return nil
}

func newPartitionCmd() *cobra.Command {
	var polygon, layer, out string
	var n int
	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Split polygon and layer files into partition directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			p, err := partition.New(out, n, slog.Default())
			if err != nil {
				return err
			}
			res, err := p.Partition(cmd.Context(), polygon, layer)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&polygon, "polygon", "", "polygon CSV file (required)")
	f.StringVar(&layer, "layer", "", "layer CSV file (required)")
	f.StringVar(&out, "out", "", "base directory for the partition directories (required)")
	f.IntVar(&n, "partitions", 4, "number of partitions")
	_ = cmd.MarkFlagRequired("polygon")
	_ = cmd.MarkFlagRequired("layer")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newAggregateCmd() *cobra.Command {
	var minValid int64
	var cleanup bool
	cmd := &cobra.Command{
		Use:   "aggregate <base-dir>",
		Short: "Merge partition outputs under a base directory into a result archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := aggregate.New(aggregate.Options{MinValidFileSize: minValid, Logger: slog.Default()})
			res, err := a.Aggregate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := aggregate.Verify(res); err != nil {
				slog.Warn("archive failed validation, partition directories kept", "archive", res.ArchivePath, "error", err)
			} else if cleanup {
				if _, err := aggregate.Cleanup(args[0], slog.Default()); err != nil {
					slog.Warn("cleanup failed", "base_dir", args[0], "error", err)
				}
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Int64Var(&minValid, "min-valid-file-size", 1, "smallest fragment used for header recovery")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove partition directories after aggregating")
	return cmd
}

type outcome struct {
	JobID       int64       `json:"jobId"`
	Status      batch.State `json:"status"`
	ArchivePath string      `json:"archivePath,omitempty"`
	Read        int64       `json:"recordsRead"`
	Written     int64       `json:"recordsWritten"`
	Partitions  int         `json:"partitions"`
	DurationMS  int64       `json:"durationMs"`
	Error       string      `json:"error,omitempty"`
	Warning     string      `json:"warning,omitempty"`
}

func outcomeView(o batch.Outcome) outcome {
	v := outcome{
		JobID:       o.JobID,
		Status:      o.Status,
		ArchivePath: o.ArchivePath,
		Read:        o.Read,
		Written:     o.Written,
		Partitions:  len(o.Partitions),
		DurationMS:  o.Duration.Milliseconds(),
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	if o.ArchiveErr != nil {
		v.Warning = o.ArchiveErr.Error()
	}
	return v
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
