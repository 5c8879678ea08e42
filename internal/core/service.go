package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/vdyp-batch/internal/batch"
	"github.com/JonMunkholm/vdyp-batch/internal/fault"
	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/logging"
	"github.com/JonMunkholm/vdyp-batch/internal/metrics"
	"github.com/JonMunkholm/vdyp-batch/internal/objectstore"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
	"github.com/JonMunkholm/vdyp-batch/internal/store"
)

// PersistTimeout bounds every job-record write made outside a request.
var PersistTimeout = 10 * time.Second

// baseDirPrefix prefixes the per-job directory under the work dir.
const baseDirPrefix = "vdyp-batch-"

// Options wires a Service.
type Options struct {
	Orchestrator *batch.Orchestrator
	Ledger       *ledger.Ledger
	Store        store.Store

	// Objects is optional. Without it jobs accept uploads only and archives
	// stay local.
	Objects  ObjectStore
	Recorder metrics.Recorder
	Limiter  *JobLimiter

	// WorkDir holds the job base directories (default: system temp dir).
	WorkDir string
	Logger  *slog.Logger
}

// Service runs batch jobs on behalf of the HTTP API.
type Service struct {
	orch     *batch.Orchestrator
	ledger   *ledger.Ledger
	store    store.Store
	objects  ObjectStore
	recorder metrics.Recorder
	limiter  *JobLimiter
	workDir  string
	logger   *slog.Logger

	progress *ProgressPublisher
	jobs     *xsync.Map[int64, *runningJob]

	// ctx is the parent of every job run; cancel aborts them on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type runningJob struct {
	exec    *batch.Execution
	guid    string
	baseDir string
}

// NewService creates a new Service instance.
func NewService(opts Options) (*Service, error) {
	if opts.Orchestrator == nil || opts.Ledger == nil || opts.Store == nil {
		return nil, errors.New("core: orchestrator, ledger and store are required")
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewJobLimiter(DefaultMaxConcurrentJobs, DefaultMaxWaitTime)
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:     opts.Orchestrator,
		ledger:   opts.Ledger,
		store:    opts.Store,
		objects:  opts.Objects,
		recorder: opts.Recorder,
		limiter:  opts.Limiter,
		workDir:  opts.WorkDir,
		logger:   opts.Logger,
		progress: NewProgressPublisher(opts.Ledger, opts.Logger),
		jobs:     xsync.NewMap[int64, *runningJob](),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// StartJob stages the inputs of a new job and runs it in the background.
// It returns the persisted execution record as soon as the job is running.
func (s *Service) StartJob(ctx context.Context, req StartRequest) (store.Execution, error) {
	if err := s.validate(req); err != nil {
		return store.Execution{}, err
	}
	params, err := projection.ParseParameters(req.Parameters)
	if err != nil {
		return store.Execution{}, err
	}
	paramsJSON, err := params.JSON()
	if err != nil {
		return store.Execution{}, fault.New(fault.CategoryConfig, "encode projection parameters", err)
	}

	cfg := s.orch.Config()
	grid, chunk := cfg.GridSize, cfg.ChunkSize
	if req.PartitionCount > 0 {
		grid = req.PartitionCount
	}
	if req.ChunkSize > 0 {
		chunk = req.ChunkSize
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return store.Execution{}, err
	}
	started := false
	defer func() {
		if !started {
			s.limiter.Release()
		}
	}()

	guid := uuid.NewString()
	rec, err := s.store.Create(ctx, store.NewExecution{
		GUID:           guid,
		Status:         string(batch.StateCreated),
		PartitionCount: grid,
		ChunkSize:      chunk,
		Parameters:     string(paramsJSON),
	})
	if err != nil {
		return store.Execution{}, fmt.Errorf("create job record: %w", err)
	}

	logger := logging.WithJob(ctx, rec.ID, "").With("guid", guid)
	baseDir := filepath.Join(s.workDir, baseDirPrefix+guid)

	fail := func(err error) (store.Execution, error) {
		if rmErr := os.RemoveAll(baseDir); rmErr != nil {
			logger.Warn("remove base dir failed", "error", rmErr)
		}
		s.finishRecord(rec.ID, batch.StateFailed, err)
		logger.Error("batch job rejected", "error", err)
		return store.Execution{}, err
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fail(fault.New(fault.CategoryTransientIO, "create base dir", err))
	}
	polygonPath := filepath.Join(baseDir, PolygonFileName)
	layerPath := filepath.Join(baseDir, LayerFileName)

	stageStart := time.Now()
	if err := s.stageInputs(ctx, req, polygonPath, layerPath); err != nil {
		return fail(err)
	}

	exec, err := s.orch.NewExecution(batch.Job{
		ID:          rec.ID,
		GUID:        guid,
		BaseDir:     baseDir,
		PolygonPath: polygonPath,
		LayerPath:   layerPath,
		Params:      params,
		GridSize:    grid,
		ChunkSize:   chunk,

		RetryMaxAttempts: req.MaxRetryAttempts,
		RetryBackoff:     req.RetryBackoff,
		SkipMaxCount:     req.MaxSkipCount,
	}, s.observe)
	if err != nil {
		return fail(err)
	}

	rj := &runningJob{exec: exec, guid: guid, baseDir: baseDir}
	s.jobs.Store(rec.ID, rj)
	s.progress.Open(rec.ID)
	s.recorder.SetRunningJobs(s.jobs.Size())

	started = true
	s.wg.Add(1)
	go s.run(rec.ID, rj)

	logger.Info("batch job submitted",
		"client_ip", ClientIPFromContext(ctx),
		"grid_size", grid,
		"chunk_size", chunk,
		"max_retry_attempts", req.MaxRetryAttempts,
		"retry_backoff", req.RetryBackoff,
		"max_skip_count", req.MaxSkipCount,
		"polygon_source", inputSource(req.Polygon),
		"layer_source", inputSource(req.Layer),
		"stage_duration_ms", time.Since(stageStart).Milliseconds(),
	)
	return rec, nil
}

func (s *Service) validate(req StartRequest) error {
	if req.Polygon.empty() {
		return fault.Newf(fault.CategoryConfig, "start job", "polygon input is required")
	}
	if req.Layer.empty() {
		return fault.Newf(fault.CategoryConfig, "start job", "layer input is required")
	}
	if req.PartitionCount < 0 {
		return fault.Newf(fault.CategoryConfig, "start job", "partition count must not be negative, got %d", req.PartitionCount)
	}
	if req.ChunkSize < 0 {
		return fault.Newf(fault.CategoryConfig, "start job", "chunk size must not be negative, got %d", req.ChunkSize)
	}
	if req.MaxRetryAttempts < 0 {
		return fault.Newf(fault.CategoryConfig, "start job", "max retry attempts must not be negative, got %d", req.MaxRetryAttempts)
	}
	if req.RetryBackoff < 0 {
		return fault.Newf(fault.CategoryConfig, "start job", "retry backoff must not be negative, got %s", req.RetryBackoff)
	}
	if req.MaxSkipCount < 0 {
		return fault.Newf(fault.CategoryConfig, "start job", "max skip count must not be negative, got %d", req.MaxSkipCount)
	}
	if s.objects == nil && (usesObject(req.Polygon) || usesObject(req.Layer)) {
		return fault.Newf(fault.CategoryConfig, "start job", "object store is not configured")
	}
	return nil
}

// stageInputs writes both inputs into the base directory concurrently.
// Upload readers must be independent of each other.
func (s *Service) stageInputs(ctx context.Context, req StartRequest, polygonPath, layerPath string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.stage(gctx, req.Polygon, polygonPath) })
	g.Go(func() error { return s.stage(gctx, req.Layer, layerPath) })
	return g.Wait()
}

func (s *Service) stage(ctx context.Context, in Input, dst string) error {
	if in.Reader == nil {
		return s.objects.Fetch(ctx, in.ObjectID, dst)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fault.New(fault.CategoryTransientIO, "stage input", err)
	}
	if _, err := io.Copy(f, in.Reader); err != nil {
		f.Close()
		return fault.New(fault.CategoryReaderOpen, "stage input", fmt.Errorf("copy %s: %w", filepath.Base(dst), err))
	}
	if err := f.Close(); err != nil {
		return fault.New(fault.CategoryTransientIO, "stage input", err)
	}
	return nil
}

// run executes a job and persists its outcome.
func (s *Service) run(jobID int64, rj *runningJob) {
	defer s.wg.Done()
	defer s.limiter.Release()

	out := rj.exec.Run(s.ctx)
	logger := logging.WithJob(s.ctx, jobID, "")

	finalErr := out.Err
	if out.ArchiveErr != nil {
		logger.Warn("archive kept despite failed validation", "archive", out.ArchivePath, "error", out.ArchiveErr)
		finalErr = out.ArchiveErr
	}
	if out.Status == batch.StateCompleted && out.ArchivePath != "" {
		key, err := s.persistArchive(jobID, rj.guid, out.ArchivePath)
		if err != nil {
			logger.Error("archive not persisted", "archive", out.ArchivePath, "error", err)
			finalErr = err
		}

		ctx, cancel := context.WithTimeout(context.Background(), PersistTimeout)
		if err := s.store.SetArchive(ctx, jobID, out.ArchivePath, key); err != nil {
			logger.Error("record archive failed", "error", err)
		}
		cancel()
	}

	s.finishRecord(jobID, out.Status, finalErr)

	s.jobs.Delete(jobID)
	s.progress.Close(jobID)
	s.recorder.SetRunningJobs(s.jobs.Size())
}

// persistArchive pushes the archive to the object store, retrying with the
// orchestrator's retry budget. Without an object store it is a no-op.
func (s *Service) persistArchive(jobID int64, guid, path string) (string, error) {
	if s.objects == nil {
		return "", nil
	}

	cfg := s.orch.Config()
	key := objectstore.ArchiveKey(guid, filepath.Base(path))
	logger := logging.WithJob(s.ctx, jobID, "")

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), PersistTimeout)
		full, err := s.objects.Push(ctx, path, key)
		cancel()
		if err == nil {
			return full, nil
		}
		lastErr = err
		if !fault.From(err).Retryable || attempt == cfg.RetryMaxAttempts {
			break
		}
		logger.Warn("archive push failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(cfg.RetryBackoff)
	}
	return "", lastErr
}

// finishRecord writes the terminal state of a job.
func (s *Service) finishRecord(jobID int64, status batch.State, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), PersistTimeout)
	defer cancel()
	if ferr := s.store.Finish(ctx, jobID, string(status), msg); ferr != nil {
		s.logger.Error("record job outcome failed", "job_id", jobID, "status", status, "error", ferr)
	}
}

// observe persists non-terminal transitions. Terminal states are written by
// run once the outcome, archive included, is known.
func (s *Service) observe(jobID int64, from, to batch.State) {
	if to.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), PersistTimeout)
	defer cancel()
	if err := s.store.UpdateStatus(ctx, jobID, string(to)); err != nil {
		s.logger.Error("record job status failed", "job_id", jobID, "from", from, "to", to, "error", err)
		return
	}
	s.logger.Debug("job state changed", "job_id", jobID, "from", from, "to", to)
}

// StopJob asks a running job to stop.
func (s *Service) StopJob(ctx context.Context, jobID int64) error {
	if rj, ok := s.jobs.Load(jobID); ok {
		rj.exec.Stop()
		logging.WithJob(ctx, jobID, "").Info("batch job stop requested", "client_ip", ClientIPFromContext(ctx))
		return nil
	}
	if _, err := s.record(ctx, jobID); err != nil {
		return err
	}
	return ErrJobNotRunning
}

// Status returns the execution record of a job with its live state and
// progress.
func (s *Service) Status(ctx context.Context, jobID int64) (JobStatus, error) {
	rec, err := s.record(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}

	st := JobStatus{Execution: rec}
	if rj, ok := s.jobs.Load(jobID); ok {
		st.Running = true
		st.Status = string(rj.exec.State())
	}
	if p, ok := s.ledger.Progress(jobID); ok {
		st.Progress = &p
	}
	return st, nil
}

// Metrics returns the ledger metrics of a job still held by the ledger.
func (s *Service) Metrics(jobID int64) (ledger.JobMetrics, error) {
	m, ok := s.ledger.Job(jobID)
	if !ok {
		return ledger.JobMetrics{}, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	return m, nil
}

// Jobs lists the most recent executions, newest first. limit <= 0 lists all.
func (s *Service) Jobs(ctx context.Context, limit int) ([]store.Execution, error) {
	return s.store.List(ctx, limit)
}

// Archive returns the local path of a completed job's result archive.
func (s *Service) Archive(ctx context.Context, jobID int64) (string, error) {
	rec, err := s.record(ctx, jobID)
	if err != nil {
		return "", err
	}
	if rec.Status != string(batch.StateCompleted) || rec.ArchivePath == "" {
		return "", ErrArchiveUnavailable
	}
	if _, err := os.Stat(rec.ArchivePath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return rec.ArchivePath, nil
}

// SubscribeProgress streams progress snapshots of a running job. The channel
// closes when the job ends; cancel releases it early.
func (s *Service) SubscribeProgress(ctx context.Context, jobID int64) (<-chan ledger.Progress, func(), error) {
	ch, cancel, ok := s.progress.Subscribe(jobID)
	if ok {
		return ch, cancel, nil
	}
	if _, err := s.record(ctx, jobID); err != nil {
		return nil, nil, err
	}
	return nil, nil, ErrJobNotRunning
}

// PublishProgress publishes changed progress of every running job and
// returns how many snapshots went out.
func (s *Service) PublishProgress() int {
	n := 0
	s.jobs.Range(func(jobID int64, _ *runningJob) bool {
		if s.progress.Publish(jobID) {
			n++
		}
		return true
	})
	return n
}

// Statistics aggregates job outcomes from the store and processing totals
// from the ledger.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	recs, err := s.store.List(ctx, 0)
	if err != nil {
		return Statistics{}, err
	}

	var st Statistics
	st.TotalJobs = len(recs)
	for _, rec := range recs {
		switch batch.State(rec.Status) {
		case batch.StateCompleted:
			st.CompletedJobs++
		case batch.StateFailed:
			st.FailedJobs++
		case batch.StateStopped:
			st.StoppedJobs++
		default:
			st.RunningJobs++
		}
	}
	if st.TotalJobs > 0 {
		st.SuccessRate = float64(st.CompletedJobs) / float64(st.TotalJobs) * 100
	}

	tracked := 0
	for _, id := range s.ledger.JobIDs() {
		m, ok := s.ledger.Job(id)
		if !ok {
			continue
		}
		tracked++
		st.TotalRecordsProcessed += m.TotalRecordsProcessed
		st.TotalRecordsSkipped += m.TotalRecordsSkipped
		st.TotalRetryAttempts += m.TotalRetryAttempts
	}
	if tracked > 0 {
		st.AverageRecordsPerJob = st.TotalRecordsProcessed / int64(tracked)
	}
	return st, nil
}

// RunningJobs returns the number of jobs currently running.
func (s *Service) RunningJobs() int {
	return s.jobs.Size()
}

// Health pings the store and reports slot usage.
func (s *Service) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{
		Status:      "ok",
		Store:       "ok",
		RunningJobs: s.jobs.Size(),
		Jobs:        s.limiter.Status(),
		Ledger:      s.ledger.Len(),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	}
	return h
}

// Shutdown stops every running job and waits for them to persist their
// outcome. Jobs still running when ctx is done are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.jobs.Range(func(_ int64, rj *runningJob) bool {
		rj.exec.Stop()
		return true
	})

	err := s.limiter.WaitForDrain(ctx)
	s.cancel()
	if err != nil {
		s.logger.Warn("batch jobs still running at shutdown", "running", s.jobs.Size())
		return err
	}
	s.wg.Wait()
	return nil
}

func (s *Service) record(ctx context.Context, jobID int64) (store.Execution, error) {
	rec, err := s.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Execution{}, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	return rec, err
}

func usesObject(in Input) bool {
	return in.Reader == nil && in.ObjectID != ""
}

func inputSource(in Input) string {
	if in.Reader != nil {
		return "upload"
	}
	return "object:" + in.ObjectID
}
