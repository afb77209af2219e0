package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "tmux", cfg.Tmux.Binary)
	assert.Equal(t, "claude", cfg.Agent.CLICommand)
	assert.Equal(t, "openai", cfg.RAG.Provider)
	assert.Equal(t, 1536, cfg.RAG.EmbeddingDimension)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.Equal(t, 10, cfg.Session.GracePeriodMinutes)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "full", cfg.Tools.Mode)
	assert.Empty(t, cfg.NATS.URL, "empty URL selects the in-memory bus")
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server:\n  port: 9191\nrag:\n  topK: 9\nlogging:\n  level: warn\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 9, cfg.RAG.TopK)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, "tmux", cfg.Tmux.Binary)
}

func TestLoadBindsBareEnvNames(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.RAG.APIKey)
}

func TestLoadPrefixedEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("session:\n  gracePeriodMinutes: 3\n"), 0o644))
	t.Setenv("AGENTMUX_SESSION_GRACEPERIODMINUTES", "7")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.GracePeriodMinutes)
	assert.Equal(t, 7*time.Minute, cfg.Session.GracePeriod())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"port out of range":  "server:\n  port: 70000\n",
		"zero dimension":     "rag:\n  embeddingDimension: 0\n",
		"zero topK":          "rag:\n  topK: 0\n",
		"bad logging level":  "logging:\n  level: loud\n",
		"bad logging format": "logging:\n  format: xml\n",
		"zero grace period":  "session:\n  gracePeriodMinutes: 0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
			_, err := LoadWithPath(dir)
			assert.Error(t, err)
		})
	}
}

func TestStateAndDatabasePaths(t *testing.T) {
	p := ProjectConfig{Dir: "/work/project", StateDir: ".agentmux"}
	assert.Equal(t, "/work/project/.agentmux", p.StatePath())
	assert.Equal(t, "/work/project/.agentmux/agentmux.db", p.DatabasePath())

	abs := ProjectConfig{Dir: "/work/project", StateDir: "/var/lib/agentmux"}
	assert.Equal(t, "/var/lib/agentmux", abs.StatePath())
}
