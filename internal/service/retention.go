package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// RunRetention purges expired events every day at the configured cleanup
// time until ctx is cancelled.
func (s *Service) RunRetention(ctx context.Context) error {
	hour, minute, err := s.config.Retention.CleanupClock()
	if err != nil {
		return err
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.PurgeExpired(ctx); err != nil {
			s.logger.Error("retention cleanup failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}

	s.logger.Info("retention scheduled",
		"cleanup_time", s.config.Retention.CleanupTime,
		"retention_days", s.config.Retention.RetentionDays)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// PurgeExpired deletes events older than the retention window and returns
// how many were removed. The projection is flushed first under the
// pipeline lock, so derived sessions and agents keep reflecting the purged
// events after a restart.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	cfg := s.config.Retention
	cutoff := s.now().AddDate(0, 0, -cfg.RetentionDays)

	s.pipelineMu.Lock()
	if err := s.FlushProjection(ctx); err != nil {
		s.pipelineMu.Unlock()
		return 0, fmt.Errorf("failed to flush projection before purge: %w", err)
	}
	deleted, err := s.store.PurgeOlderThan(ctx, cutoff, false)
	s.pipelineMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}

	vacuum := cfg.VacuumAfterCleanup && deleted > 0
	if vacuum {
		if err := s.store.Vacuum(ctx); err != nil {
			return deleted, fmt.Errorf("failed to vacuum: %w", err)
		}
	}

	s.metrics.AddPurged(deleted)
	s.logger.Info("retention cleanup finished",
		"deleted", deleted,
		"cutoff", cutoff.UTC().Format("2006-01-02T15:04:05Z"),
		"vacuum", vacuum)
	return deleted, nil
}
