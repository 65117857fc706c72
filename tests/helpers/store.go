package helpers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nickpending/argus/internal/domain"
	"github.com/nickpending/argus/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:", "")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewFileSQLiteStore returns a WAL store backed by a file in a temp dir,
// along with the file path so tests can reopen it.
func NewFileSQLiteStore(t *testing.T) (*store.SQLiteStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.db")
	s, err := store.NewSQLiteStore(path, "WAL")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s, path
}

// PersistedSession returns the stored projection row for a session, or nil.
func PersistedSession(t *testing.T, s store.Store, id string) *domain.Session {
	t.Helper()

	snap, err := s.LoadProjection(context.Background())
	if err != nil {
		t.Fatalf("failed to load projection: %v", err)
	}
	for i := range snap.Sessions {
		if snap.Sessions[i].ID == id {
			return &snap.Sessions[i]
		}
	}
	return nil
}

// PersistedAgent returns the stored projection row for an agent, or nil.
func PersistedAgent(t *testing.T, s store.Store, id string) *domain.Agent {
	t.Helper()

	snap, err := s.LoadProjection(context.Background())
	if err != nil {
		t.Fatalf("failed to load projection: %v", err)
	}
	for i := range snap.Agents {
		if snap.Agents[i].ID == id {
			return &snap.Agents[i]
		}
	}
	return nil
}
