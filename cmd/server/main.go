package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/vdyp-batch/internal/batch"
	"github.com/JonMunkholm/vdyp-batch/internal/config"
	"github.com/JonMunkholm/vdyp-batch/internal/core"
	"github.com/JonMunkholm/vdyp-batch/internal/ledger"
	"github.com/JonMunkholm/vdyp-batch/internal/logging"
	"github.com/JonMunkholm/vdyp-batch/internal/metrics"
	"github.com/JonMunkholm/vdyp-batch/internal/objectstore"
	"github.com/JonMunkholm/vdyp-batch/internal/projection"
	"github.com/JonMunkholm/vdyp-batch/internal/store"
	"github.com/JonMunkholm/vdyp-batch/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{
		Driver:          cfg.Store.Driver,
		URL:             cfg.Store.URL,
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime,
		MaxConnIdleTime: cfg.Store.MaxConnIdleTime,
		Path:            cfg.Store.SQLitePath,
	})
	if err != nil {
		slog.Error("failed to open job store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("job store ready", "driver", cfg.Store.Driver)

	var (
		recorder       metrics.Recorder = metrics.NewNop()
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		if err != nil {
			slog.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		recorder = prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	pool, err := batch.NewPool(cfg.Batch.PoolSizes())
	if err != nil {
		slog.Error("failed to create worker pool", "error", err)
		os.Exit(1)
	}

	l := ledger.New(recorder)
	engine := &projection.ExecEngine{
		Command:    cfg.Engine.Command,
		Args:       cfg.Engine.Args,
		ScratchDir: cfg.Engine.ScratchDir,
		Logger:     slog.Default(),
	}
	orch, err := batch.NewOrchestrator(batch.Config{
		GridSize:         cfg.Batch.PartitionGridSize,
		ChunkSize:        cfg.Batch.ChunkSize,
		RetryMaxAttempts: cfg.Batch.RetryMaxAttempts,
		RetryBackoff:     cfg.Batch.RetryBackoff,
		SkipMaxCount:     cfg.Batch.SkipMaxCount,
		MinValidFileSize: cfg.Batch.MinValidFileSize,
		CleanupEnabled:   cfg.Batch.CleanupEnabled,
	}, pool, engine, l, slog.Default())
	if err != nil {
		slog.Error("invalid batch configuration", "error", err)
		os.Exit(1)
	}

	var objects core.ObjectStore
	if cfg.ObjectStore.Enabled {
		client, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			UseSSL:    cfg.ObjectStore.UseSSL,
			Prefix:    cfg.ObjectStore.Prefix,
		}, slog.Default())
		if err != nil {
			slog.Error("failed to connect to object store", "endpoint", cfg.ObjectStore.Endpoint, "error", err)
			os.Exit(1)
		}
		objects = client
		slog.Info("object store ready", "bucket", cfg.ObjectStore.Bucket)
	}

	service, err := core.NewService(core.Options{
		Orchestrator: orch,
		Ledger:       l,
		Store:        st,
		Objects:      objects,
		Recorder:     recorder,
		Limiter:      core.NewJobLimiter(cfg.Batch.MaxConcurrentJobs, core.DefaultMaxWaitTime),
		WorkDir:      cfg.Batch.WorkDir,
		Logger:       slog.Default(),
	})
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(service, web.Options{
		Server:         cfg.Server,
		Security:       cfg.Security,
		MaxUploadSize:  cfg.Batch.MaxUploadSize,
		MetricsHandler: metricsHandler,
		Logger:         slog.Default(),
	})

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.StartProgressScheduler(jobCtx, cfg.Scheduler.ProgressInterval)
	go service.StartRetentionScheduler(jobCtx, core.RetentionConfig{
		Keep:     cfg.Batch.MetricsKeep,
		MaxAge:   cfg.Scheduler.JobRetention,
		Interval: cfg.Scheduler.RetentionInterval,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		if n := service.RunningJobs(); n > 0 {
			slog.Info("stopping running jobs", "running", n)
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("jobs did not stop in time", "error", err)
		}
		pool.Shutdown()
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		cancelJobs()
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}
