// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/nickpending/argus/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Event operations
	Append(ctx context.Context, event *domain.Event) (*domain.Event, error)
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]domain.Event, error)
	ReplayEvents(ctx context.Context, afterID int64, fn func(*domain.Event) error) error
	DistinctSources(ctx context.Context) ([]string, error)
	DistinctEventTypes(ctx context.Context) ([]string, error)

	// Retention
	PurgeOlderThan(ctx context.Context, cutoff time.Time, vacuum bool) (int64, error)
	Vacuum(ctx context.Context) error

	// Derived session/agent tables
	SaveProjection(ctx context.Context, p Projection) error
	LoadProjection(ctx context.Context) (*Snapshot, error)

	// Lifecycle
	JournalMode(ctx context.Context) (string, error)
	Close() error
}

// EventQuery provides filtering options for historical event queries.
// Since and Until are inclusive and must already be normalized timestamps.
type EventQuery struct {
	Source    string
	EventType string
	Level     domain.Level
	SessionID string
	AgentID   string
	Since     string
	Until     string
	Limit     int
}

// Projection is a batch of derived rows to write. With Replace set, the
// derived tables are cleared first. A non-nil Aliases replaces the stored
// alias table. Watermark is the id of the last event folded into the rows;
// zero leaves the stored watermark alone.
type Projection struct {
	Sessions      []domain.Session
	Agents        []domain.Agent
	RemovedAgents []string
	Aliases       map[string]string
	Watermark     int64
	Replace       bool
}

// Empty reports whether there is nothing to write.
func (p Projection) Empty() bool {
	return !p.Replace && len(p.Sessions) == 0 && len(p.Agents) == 0 &&
		len(p.RemovedAgents) == 0 && p.Aliases == nil && p.Watermark == 0
}

// Snapshot is the persisted projection. Replaying events after Watermark
// on top of it yields the current derived state.
type Snapshot struct {
	Sessions  []domain.Session
	Agents    []domain.Agent
	Aliases   map[string]string
	Watermark int64
}
