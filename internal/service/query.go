package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/repository"
)

// DefaultQueryLimit applies when a query names no limit.
const DefaultQueryLimit = 100

// EventQueryParams are the raw historical query parameters. Limit 0 means
// DefaultQueryLimit.
type EventQueryParams struct {
	Source    string
	EventType string
	Level     string
	SessionID string
	AgentID   string
	Since     string
	Until     string
	Limit     int
}

// QueryEvents returns matching events newest first.
func (s *Service) QueryEvents(ctx context.Context, p EventQueryParams) ([]domain.Event, error) {
	q, err := s.buildQuery(p)
	if err != nil {
		return nil, err
	}
	events, err := s.store.QueryEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

func (s *Service) buildQuery(p EventQueryParams) (store.EventQuery, error) {
	maxLimit := s.maxQueryLimit()
	limit := p.Limit
	if limit == 0 {
		limit = min(DefaultQueryLimit, maxLimit)
	}
	if limit < 1 || limit > maxLimit {
		return store.EventQuery{}, &domain.ValidationError{
			Field:   "limit",
			Message: fmt.Sprintf("must be between 1 and %d", maxLimit),
		}
	}

	q := store.EventQuery{
		Source:    p.Source,
		EventType: p.EventType,
		SessionID: p.SessionID,
		AgentID:   p.AgentID,
		Limit:     limit,
	}

	if p.Level != "" {
		q.Level = domain.Level(strings.ToLower(strings.TrimSpace(p.Level)))
		if !q.Level.Valid() {
			return store.EventQuery{}, &domain.ValidationError{Field: "level", Message: "must be one of debug, info, warn, error"}
		}
	}
	if p.Since != "" {
		ts, err := domain.NormalizeTimestamp(p.Since)
		if err != nil {
			return store.EventQuery{}, &domain.ValidationError{Field: "since", Message: "must be valid ISO8601 format"}
		}
		q.Since = ts
	}
	if p.Until != "" {
		ts, err := domain.NormalizeTimestamp(p.Until)
		if err != nil {
			return store.EventQuery{}, &domain.ValidationError{Field: "until", Message: "must be valid ISO8601 format"}
		}
		q.Until = ts
	}
	return q, nil
}

func (s *Service) maxQueryLimit() int {
	if s.config != nil && s.config.Server.MaxQueryLimit > 0 {
		return s.config.Server.MaxQueryLimit
	}
	return 1000
}

// Event returns a stored event by id.
func (s *Service) Event(ctx context.Context, id int64) (*domain.Event, error) {
	event, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	if event == nil {
		return nil, domain.ErrNotFound
	}
	return event, nil
}

// Sources returns the distinct event sources, sorted.
func (s *Service) Sources(ctx context.Context) ([]string, error) {
	sources, err := s.store.DistinctSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// EventTypes returns the distinct event types, sorted.
func (s *Service) EventTypes(ctx context.Context) ([]string, error) {
	types, err := s.store.DistinctEventTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list event types: %w", err)
	}
	return types, nil
}

// Sessions returns every known session, most recently active first.
func (s *Service) Sessions() []domain.Session {
	return s.tracker.Sessions()
}

// Session returns a session by id.
func (s *Service) Session(id string) (*domain.Session, error) {
	sess, ok := s.tracker.Session(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sess, nil
}

// Agents returns the agents of a session, or every agent when sessionID is
// empty.
func (s *Service) Agents(sessionID string) []domain.Agent {
	return s.tracker.Agents(sessionID)
}

// Agent returns an agent by id. Provisional ids renamed by activation are
// not found.
func (s *Service) Agent(id string) (*domain.Agent, error) {
	agent, ok := s.tracker.Agent(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &agent, nil
}
