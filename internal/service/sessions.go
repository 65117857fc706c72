package service

import (
	"context"

	"github.com/nickpending/argus/internal/domain"
)

// EndSession ends an active session by committing a session_ended event on
// its behalf. It returns ErrNotFound for unknown sessions and ErrConflict
// for sessions that already ended.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*domain.Event, error) {
	in := domain.EventInput{
		Source:    "argus",
		EventType: string(domain.LifecycleSessionEnded),
		SessionID: sessionID,
		Level:     string(domain.LevelInfo),
		Message:   "session ended via API",
	}
	return s.submit(ctx, in, func() error {
		sess, ok := s.tracker.Session(sessionID)
		if !ok {
			return domain.ErrNotFound
		}
		if sess.Status == domain.SessionStatusEnded {
			return domain.ErrConflict
		}
		return nil
	})
}
