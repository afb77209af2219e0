package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/memory"
)

func newTestMemory(t *testing.T) *memory.Service {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	svc, err := memory.NewService(database)
	require.NoError(t, err)
	return svc
}

func TestBasicIsAlwaysEnabled(t *testing.T) {
	tc := ToolCategories{Categories: map[string]bool{Basic: false}}
	assert.True(t, tc.Enabled(Basic))
	assert.False(t, tc.Enabled(RAG))
	assert.False(t, tc.Enabled("madeUpCategory"))
}

func TestFromModePresets(t *testing.T) {
	minimal, err := FromMode("minimal")
	require.NoError(t, err)
	assert.True(t, minimal.Enabled(Basic))
	assert.False(t, minimal.Enabled(TaskManagement))

	full, err := FromMode("full")
	require.NoError(t, err)
	for _, category := range All {
		assert.True(t, full.Enabled(category), category)
	}

	_, err = FromMode("turbo")
	assert.Error(t, err)
}

func TestWarningsReportDependencyViolations(t *testing.T) {
	tc := ToolCategories{Categories: map[string]bool{
		TaskManagement:    true,
		BackgroundAgents:  true,
		AssistanceRequest: true,
	}}
	warnings := tc.Warnings()
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "assistanceRequest")
	assert.Contains(t, warnings[1], "backgroundAgents")
	assert.Contains(t, warnings[2], "taskManagement")

	// Warnings never mutate the map.
	assert.True(t, tc.Enabled(TaskManagement))
	assert.False(t, tc.Enabled(AgentManagement))
}

func TestWarningsEmptyForFullMode(t *testing.T) {
	full, err := FromMode("full")
	require.NoError(t, err)
	assert.Empty(t, full.Warnings())
}

func TestLoadPrefersPersistedGate(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	saved := ToolCategories{Mode: "custom", Categories: map[string]bool{Basic: true, RAG: true}}
	require.NoError(t, Save(ctx, mem, saved, "admin"))

	tc, err := Load(ctx, mem, "full", nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", tc.Mode)
	assert.True(t, tc.Enabled(RAG))
	assert.False(t, tc.Enabled(TaskManagement))
}

func TestLoadFallsBackToConfigMap(t *testing.T) {
	mem := newTestMemory(t)

	tc, err := Load(context.Background(), mem, "memoryRag", map[string]bool{Basic: true, Memory: true})
	require.NoError(t, err)
	assert.True(t, tc.Enabled(Memory))
	assert.False(t, tc.Enabled(RAG))
}

func TestLoadFallsBackToMode(t *testing.T) {
	mem := newTestMemory(t)

	tc, err := Load(context.Background(), mem, "memoryRag", nil)
	require.NoError(t, err)
	assert.True(t, tc.Enabled(RAG))
	assert.True(t, tc.Enabled(Memory))
	assert.False(t, tc.Enabled(AgentManagement))
}

func TestLoadDefaultsToFull(t *testing.T) {
	mem := newTestMemory(t)

	tc, err := Load(context.Background(), mem, "", nil)
	require.NoError(t, err)
	for _, category := range All {
		assert.True(t, tc.Enabled(category), category)
	}
}
