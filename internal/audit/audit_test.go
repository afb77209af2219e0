package audit

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/db"
)

func newTestStore(t *testing.T) (*Store, *sqlx.DB) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return store, database
}

func TestLogAndRecent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Log(ctx, "agent-1", ActionTaskCreated, "t-1", map[string]any{"title": "one"}))
	require.NoError(t, store.Log(ctx, "agent-2", ActionTaskAssigned, "t-1", nil))
	require.NoError(t, store.Log(ctx, "agent-1", ActionFileInUse, "", nil))

	all, err := store.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ActionFileInUse, all[0].ActionType, "newest first")
	assert.JSONEq(t, `{"title":"one"}`, string(all[2].Details))

	byAgent, err := store.Recent(ctx, Filter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byType, err := store.Recent(ctx, Filter{ActionType: ActionTaskAssigned})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "agent-2", byType[0].AgentID)
}

func TestRecentHonorsLimitAndSince(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, store.Log(ctx, "agent-1", ActionMessageSent, "", nil))
	}

	capped, err := store.Recent(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, capped, 50, "default limit")

	limited, err := store.Recent(ctx, Filter{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, limited, 5)

	future, err := store.Recent(ctx, Filter{Since: time.Now().UTC().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestLogAtTxPinsTimestamp(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()

	pinned := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	err := db.WithTx(ctx, database, func(tx *sqlx.Tx) error {
		return store.LogAtTx(ctx, tx, pinned, "agent-1", ActionRequestAssistance, "t-9", nil)
	})
	require.NoError(t, err)

	recent, err := store.Recent(ctx, Filter{ActionType: ActionRequestAssistance})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Timestamp.Equal(pinned))
	assert.Equal(t, "t-9", recent[0].TaskID)
}

func TestLastActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ts, err := store.LastActivity(ctx, "agent-ghost")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	require.NoError(t, store.Log(ctx, "agent-1", ActionCreatedAgent, "", nil))
	before := time.Now().UTC().Add(-time.Minute)

	ts, err = store.LastActivity(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ts.After(before))
}
