// Package service implements the ingestion pipeline, read queries and the
// background jobs that keep derived state and retention in order.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nickpending/argus/internal/config"
	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/lifecycle"
	"github.com/nickpending/argus/internal/metrics"
	"github.com/nickpending/argus/internal/repository"
)

// Broadcaster fans committed events and lifecycle changes out to live
// subscribers. Both calls must not block.
type Broadcaster interface {
	PublishEvent(e *domain.Event) int
	PublishLifecycle(changes []domain.Change)
}

// Admission decides whether an event may be stored.
type Admission interface {
	Allow(ctx context.Context, e *domain.Event) (bool, string, error)
}

type Service struct {
	store   store.Store
	tracker *lifecycle.Tracker
	hub     Broadcaster
	policy  Admission
	config  *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// pipelineMu keeps tracker and broadcast order equal to commit order.
	pipelineMu sync.Mutex
}

func New(store store.Store, tracker *lifecycle.Tracker, hub Broadcaster, policy Admission, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		tracker: tracker,
		hub:     hub,
		policy:  policy,
		config:  cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Bootstrap restores the tracker from the persisted projection and
// replays the events committed after its watermark. A database without a
// watermark is rebuilt from the whole log. It must run before the service
// accepts events.
func (s *Service) Bootstrap(ctx context.Context) error {
	start := s.now()

	snap, err := s.store.LoadProjection(ctx)
	if err != nil {
		return fmt.Errorf("failed to load projection: %w", err)
	}
	rebuild := snap.Watermark == 0
	if !rebuild {
		s.tracker.Seed(snap.Sessions, snap.Agents, snap.Aliases, snap.Watermark)
	}

	var count int
	err = s.store.ReplayEvents(ctx, snap.Watermark, func(e *domain.Event) error {
		s.tracker.Apply(e)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}

	d := s.tracker.DrainDirty()
	if err := s.store.SaveProjection(ctx, store.Projection{
		Sessions:      d.Sessions,
		Agents:        d.Agents,
		RemovedAgents: d.RemovedAgents,
		Aliases:       d.Aliases,
		Watermark:     d.Watermark,
		Replace:       rebuild,
	}); err != nil {
		return fmt.Errorf("failed to save projection: %w", err)
	}

	mode, err := s.store.JournalMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to read journal mode: %w", err)
	}

	s.logger.Info("restored derived state",
		"watermark", snap.Watermark,
		"rebuilt", rebuild,
		"replayed", count,
		"sessions", len(s.tracker.Sessions()),
		"agents", len(s.tracker.Agents("")),
		"journal_mode", mode,
		"duration", s.now().Sub(start))
	return nil
}
