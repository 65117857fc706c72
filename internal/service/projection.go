package service

import (
	"context"
	"time"

	"github.com/nickpending/argus/internal/repository"
)

// RunProjectionFlusher periodically marks idle sessions and writes changed
// sessions and agents to the derived tables. It flushes once more when ctx
// is cancelled.
func (s *Service) RunProjectionFlusher(ctx context.Context) error {
	interval := 2 * time.Second
	if s.config != nil && s.config.Lifecycle.FlushInterval > 0 {
		interval = s.config.Lifecycle.FlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.FlushProjection(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			s.SweepIdle()
			s.FlushProjection(ctx)
		}
	}
}

// SweepIdle marks sessions idle whose last event is older than the idle
// threshold.
func (s *Service) SweepIdle() {
	for _, sess := range s.tracker.Sweep() {
		s.logger.Debug("session idle", "session_id", sess.ID, "last_event_time", sess.LastEventTime)
	}
}

// FlushProjection writes aggregates changed since the last flush. Failed
// writes are retried on the next flush.
func (s *Service) FlushProjection(ctx context.Context) error {
	d := s.tracker.DrainDirty()
	if d.Empty() {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.store.SaveProjection(writeCtx, store.Projection{
		Sessions:      d.Sessions,
		Agents:        d.Agents,
		RemovedAgents: d.RemovedAgents,
		Aliases:       d.Aliases,
		Watermark:     d.Watermark,
	})
	if err != nil {
		s.tracker.Requeue(d)
		s.metrics.IncProjectionError()
		s.logger.Warn("projection flush failed", "error", err)
		return err
	}
	return nil
}
