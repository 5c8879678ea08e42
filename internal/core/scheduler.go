package core

// scheduler.go runs the background loops of the batch service:
//
//  1. Progress: publishes changed progress of running jobs to subscribers.
//  2. Retention: trims the metrics ledger, prunes finished job records older
//     than the retention window, and removes their work directories.
//
// Both loops run once immediately, then on every tick until ctx is done.
// Failures are logged and never stop the loop.

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RetentionConfig holds configuration for the retention scheduler.
type RetentionConfig struct {
	Keep     int           // Jobs kept in the metrics ledger
	MaxAge   time.Duration // Age after which finished job records are deleted
	Interval time.Duration // How often to run
}

// StartProgressScheduler publishes progress every interval until ctx is done.
func (s *Service) StartProgressScheduler(ctx context.Context, interval time.Duration) {
	s.logger.Info("progress scheduler started", "interval", interval)

	s.PublishProgress()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("progress scheduler stopped")
			return
		case <-ticker.C:
			s.PublishProgress()
		}
	}
}

// StartRetentionScheduler applies cfg every cfg.Interval until ctx is done.
func (s *Service) StartRetentionScheduler(ctx context.Context, cfg RetentionConfig) {
	s.logger.Info("retention scheduler started",
		"keep", cfg.Keep,
		"max_age", cfg.MaxAge,
		"interval", cfg.Interval,
	)

	s.runRetention(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.runRetention(ctx, cfg)
		}
	}
}

// runRetention performs one retention cycle.
func (s *Service) runRetention(ctx context.Context, cfg RetentionConfig) {
	start := time.Now()
	cutoff := start.Add(-cfg.MaxAge)

	evicted, err := s.ledger.Cleanup(cfg.Keep)
	if err != nil {
		s.logger.Error("ledger cleanup failed", "error", err)
	}

	deleted, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("job record cleanup failed", "error", err)
	}

	removed, err := s.pruneWorkDir(cutoff)
	if err != nil {
		s.logger.Error("work dir cleanup failed", "error", err)
	}

	s.logger.Info("retention cycle completed",
		"metrics_evicted", evicted,
		"records_deleted", deleted,
		"dirs_removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// pruneWorkDir removes job base directories last modified before cutoff,
// except those of running jobs.
func (s *Service) pruneWorkDir(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		return 0, err
	}

	running := make(map[string]bool)
	s.jobs.Range(func(_ int64, rj *runningJob) bool {
		running[filepath.Base(rj.baseDir)] = true
		return true
	})

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), baseDirPrefix) || running[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.workDir, e.Name())); err != nil {
			s.logger.Warn("remove job dir failed", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
