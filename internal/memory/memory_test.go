package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	svc, err := NewService(database)
	require.NoError(t, err)
	return svc
}

func TestProjectContextRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetProjectContext(ctx, "architecture", "hexagonal", "layering decision", "admin"))

	e, err := svc.GetProjectContext(ctx, "architecture")
	require.NoError(t, err)
	assert.Equal(t, "hexagonal", e.Value)
	assert.Equal(t, "layering decision", e.Description)
	assert.Equal(t, "admin", e.UpdatedBy)
	assert.False(t, e.LastUpdated.IsZero())
}

func TestSetUpsertsInPlace(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetProjectContext(ctx, "phase", "design", "", "admin"))
	require.NoError(t, svc.SetProjectContext(ctx, "phase", "build", "", "agent-1"))

	e, err := svc.GetProjectContext(ctx, "phase")
	require.NoError(t, err)
	assert.Equal(t, "build", e.Value)
	assert.Equal(t, "agent-1", e.UpdatedBy)

	entries, err := svc.ListProjectContext(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSetRejectsEmptyKey(t *testing.T) {
	svc := newTestService(t)
	err := svc.SetProjectContext(context.Background(), "", "value", "", "admin")
	assert.Error(t, err)
}

func TestGetMissingKey(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetProjectContext(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestListByPrefix(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFileMetadata(ctx, "src/parser.go", "lexer entry point", "", "agent-1"))
	require.NoError(t, svc.SetFileMetadata(ctx, "src/ast.go", "tree types", "", "agent-1"))
	require.NoError(t, svc.SetFileMetadata(ctx, "docs/plan.md", "roadmap", "", "admin"))

	entries, err := svc.ListFileMetadata(ctx, "src/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Ordered by key.
	assert.Equal(t, "src/ast.go", entries[0].Key)
	assert.Equal(t, "src/parser.go", entries[1].Key)

	all, err := svc.ListFileMetadata(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTablesAreIndependent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetProjectContext(ctx, "shared-key", "context value", "", "admin"))
	_, err := svc.GetFileMetadata(ctx, "shared-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUpdatedSince(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetProjectContext(ctx, "old", "v1", "", "admin"))
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.SetProjectContext(ctx, "new", "v2", "", "admin"))

	entries, err := svc.ProjectContextSince(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Key)
}

func TestAdminConfigJSONRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	type settings struct {
		Mode    string `json:"mode"`
		Retries int    `json:"retries"`
	}
	require.NoError(t, svc.SetAdminConfigJSON(ctx, "indexer", settings{Mode: "incremental", Retries: 3}, "admin"))

	var got settings
	require.NoError(t, svc.GetAdminConfigJSON(ctx, "indexer", &got))
	assert.Equal(t, settings{Mode: "incremental", Retries: 3}, got)

	// Corrupt values surface a decode error, not a silent zero value.
	require.NoError(t, svc.SetAdminConfig(ctx, "broken", "{not json", "admin"))
	err := svc.GetAdminConfigJSON(ctx, "broken", &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}
