package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickpending/argus/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", "")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStoreAppendAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	var last int64
	for i := 0; i < 5; i++ {
		got, err := store.Append(ctx, &domain.Event{Source: "sable", EventType: "tool"})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if got.ID <= last {
			t.Fatalf("expected id > %d, got %d", last, got.ID)
		}
		if got.Timestamp == "" {
			t.Fatalf("expected generated timestamp")
		}
		last = got.ID
	}

	events, err := store.QueryEvents(ctx, EventQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i-1].ID <= events[i].ID {
			t.Fatalf("expected newest-first order, got %d before %d", events[i-1].ID, events[i].ID)
		}
	}
}

func TestSQLiteStoreDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	store, err := NewSQLiteStore(path, "WAL")
	require.NoError(t, err)

	mode, err := store.JournalMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	background := true
	committed, err := store.Append(ctx, &domain.Event{
		Source:       "critical-app",
		EventType:    "payment.completed",
		Level:        domain.LevelInfo,
		SessionID:    "s1",
		Data:         json.RawMessage(`{"amount":99.99}`),
		IsBackground: &background,
	})
	require.NoError(t, err)

	// Simulate a crash right after the acknowledgment: no graceful shutdown
	// work beyond closing the handle.
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, "WAL")
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetEvent(ctx, committed.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "critical-app", got.Source)
	assert.Equal(t, "s1", got.SessionID)
	assert.JSONEq(t, `{"amount":99.99}`, string(got.Data))
	require.NotNil(t, got.IsBackground)
	assert.True(t, *got.IsBackground)

	next, err := reopened.Append(ctx, &domain.Event{Source: "critical-app", EventType: "tool"})
	require.NoError(t, err)
	assert.Greater(t, next.ID, committed.ID)
}

func TestSQLiteStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seed := []domain.Event{
		{Source: "app-a", EventType: "tool", Level: domain.LevelInfo, SessionID: "s1", Timestamp: "2024-01-01T00:00:00.000000Z"},
		{Source: "app-a", EventType: "agent", Level: domain.LevelError, AgentID: "a1", Timestamp: "2024-01-02T00:00:00.000000Z"},
		{Source: "app-b", EventType: "tool", Timestamp: "2024-01-03T00:00:00.000000Z"},
	}
	for i := range seed {
		if _, err := store.Append(ctx, &seed[i]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	tests := []struct {
		name string
		q    EventQuery
		want []string
	}{
		{"source", EventQuery{Source: "app-a"}, []string{"agent", "tool"}},
		{"event type", EventQuery{EventType: "tool"}, []string{"tool", "tool"}},
		{"level", EventQuery{Level: domain.LevelError}, []string{"agent"}},
		{"missing level is debug", EventQuery{Level: domain.LevelDebug}, []string{"tool"}},
		{"session", EventQuery{SessionID: "s1"}, []string{"tool"}},
		{"agent", EventQuery{AgentID: "a1"}, []string{"agent"}},
		{"since inclusive", EventQuery{Since: "2024-01-02T00:00:00.000000Z"}, []string{"tool", "agent"}},
		{"until inclusive", EventQuery{Until: "2024-01-02T00:00:00.000000Z"}, []string{"agent", "tool"}},
		{"limit", EventQuery{Limit: 1}, []string{"tool"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.QueryEvents(ctx, tt.q)
			require.NoError(t, err)
			got := make([]string, 0, len(events))
			for _, e := range events {
				got = append(got, e.EventType)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLiteStoreDistinctValuesSorted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, e := range []domain.Event{
		{Source: "zebra", EventType: "type_z"},
		{Source: "alpha", EventType: "type_a"},
		{Source: "beta", EventType: "type_b"},
		{Source: "alpha", EventType: "type_a"},
	} {
		e := e
		_, err := store.Append(ctx, &e)
		require.NoError(t, err)
	}

	sources, err := store.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "zebra"}, sources)

	types, err := store.DistinctEventTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"type_a", "type_b", "type_z"}, types)
}

func TestSQLiteStorePurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	old := domain.FormatTimestamp(time.Now().Add(-40 * 24 * time.Hour))
	recent := domain.FormatTimestamp(time.Now())
	_, err := store.Append(ctx, &domain.Event{Source: "app", EventType: "tool", Timestamp: old})
	require.NoError(t, err)
	keep, err := store.Append(ctx, &domain.Event{Source: "app", EventType: "tool", Timestamp: recent})
	require.NoError(t, err)

	deleted, err := store.PurgeOlderThan(ctx, time.Now().Add(-30*24*time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	events, err := store.QueryEvents(ctx, EventQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, keep.ID, events[0].ID)

	// Purged ids are never handed out again.
	next, err := store.Append(ctx, &domain.Event{Source: "app", EventType: "tool"})
	require.NoError(t, err)
	assert.Equal(t, keep.ID+1, next.ID)
}

func TestSQLiteStoreReplayInCommitOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, &domain.Event{Source: "app", EventType: "tool"})
		require.NoError(t, err)
	}

	var ids []int64
	err := store.ReplayEvents(ctx, 0, func(e *domain.Event) error {
		ids = append(ids, e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids = nil
	err = store.ReplayEvents(ctx, 2, func(e *domain.Event) error {
		ids = append(ids, e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestSQLiteStoreProjection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	err := store.SaveProjection(ctx, Projection{
		Sessions: []domain.Session{{ID: "s1", Project: "argus", Status: domain.SessionStatusActive, CreatedAt: now, LastEventTime: now}},
		Agents:   []domain.Agent{{ID: "tmp-1", SessionID: "s1", Status: domain.AgentStatusRunning, EventCount: 3, CreatedAt: now}},
	})
	require.NoError(t, err)

	err = store.SaveProjection(ctx, Projection{
		Agents:        []domain.Agent{{ID: "agent-1", SessionID: "s1", Status: domain.AgentStatusRunning, EventCount: 3, CreatedAt: now}},
		RemovedAgents: []string{"tmp-1"},
	})
	require.NoError(t, err)

	snap, err := store.LoadProjection(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Watermark)
	sess := findSession(snap, "s1")
	require.NotNil(t, sess)
	assert.Equal(t, "argus", sess.Project)
	assert.True(t, sess.CreatedAt.Equal(now))

	assert.Nil(t, findAgent(snap, "tmp-1"))
	agent := findAgent(snap, "agent-1")
	require.NotNil(t, agent)
	assert.Equal(t, int64(3), agent.EventCount)

	require.NoError(t, store.SaveProjection(ctx, Projection{Replace: true}))
	snap, err = store.LoadProjection(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Sessions)
	assert.Empty(t, snap.Agents)
}

func TestSQLiteStoreProjectionAliasesAndWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	require.NoError(t, store.SaveProjection(ctx, Projection{
		Aliases:   map[string]string{"tmp-1": "agent-1", "tmp-2": "agent-2"},
		Watermark: 7,
	}))
	// A nil alias map leaves the stored aliases alone; zero keeps the watermark.
	require.NoError(t, store.SaveProjection(ctx, Projection{
		Sessions: []domain.Session{{ID: "s1", Status: domain.SessionStatusActive, CreatedAt: time.Now(), LastEventTime: time.Now()}},
	}))

	snap, err := store.LoadProjection(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Watermark)
	assert.Equal(t, map[string]string{"tmp-1": "agent-1", "tmp-2": "agent-2"}, snap.Aliases)

	require.NoError(t, store.SaveProjection(ctx, Projection{
		Aliases:   map[string]string{"tmp-1": "agent-1"},
		Watermark: 9,
	}))
	snap, err = store.LoadProjection(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Watermark)
	assert.Equal(t, map[string]string{"tmp-1": "agent-1"}, snap.Aliases)

	require.NoError(t, store.SaveProjection(ctx, Projection{Replace: true}))
	snap, err = store.LoadProjection(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Watermark)
	assert.Empty(t, snap.Aliases)
}

func TestSQLiteStoreVacuum(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "argus.db"), "WAL")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Append(ctx, &domain.Event{Source: "app", EventType: "tool"})
	require.NoError(t, err)
	require.NoError(t, store.Vacuum(ctx))
}

func findSession(snap *Snapshot, id string) *domain.Session {
	for i := range snap.Sessions {
		if snap.Sessions[i].ID == id {
			return &snap.Sessions[i]
		}
	}
	return nil
}

func findAgent(snap *Snapshot, id string) *domain.Agent {
	for i := range snap.Agents {
		if snap.Agents[i].ID == id {
			return &snap.Agents[i]
		}
	}
	return nil
}
