// Package config provides configuration management for agentmux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmux.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Project ProjectConfig `mapstructure:"project"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Tmux    TmuxConfig    `mapstructure:"tmux"`
	Agent   AgentConfig   `mapstructure:"agent"`
	RAG     RAGConfig     `mapstructure:"rag"`
	Session SessionConfig `mapstructure:"session"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tools   ToolsConfig   `mapstructure:"tools"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	Debug        bool   `mapstructure:"debug"`
}

// ProjectConfig locates the supervised project tree and the state directory.
type ProjectConfig struct {
	// Dir is the root of the project the agents work on.
	Dir string `mapstructure:"dir"`
	// StateDir is the directory holding the database and config,
	// relative to Dir unless absolute. Default: .agentmux
	StateDir string `mapstructure:"stateDir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TmuxConfig holds terminal multiplexer configuration.
type TmuxConfig struct {
	// Binary is the tmux executable name or path.
	Binary string `mapstructure:"binary"`
	// AdminSession is the operator's own attached session name, used for
	// assistance-request delivery. Empty means auto-detect.
	AdminSession string `mapstructure:"adminSession"`
	// PromptPhaseDelayMs separates typing a prompt from pressing Enter.
	// A combined send races with the attached assistant's input handling.
	PromptPhaseDelayMs int `mapstructure:"promptPhaseDelayMs"`
	// SetupLineDelayMs separates successive setup commands in a new session.
	SetupLineDelayMs int `mapstructure:"setupLineDelayMs"`
}

// AgentConfig holds agent lifecycle configuration.
type AgentConfig struct {
	// CLICommand launches the assistant CLI inside the tmux session.
	CLICommand string `mapstructure:"cliCommand"`
	// LaunchDelaySec is the wait between launching the CLI and firing
	// the first agent prompt.
	LaunchDelaySec int `mapstructure:"launchDelaySec"`
	// StaleActivityMinutes is the audit staleness window: a terminated agent
	// whose last action is older than this loses its session.
	StaleActivityMinutes int `mapstructure:"staleActivityMinutes"`
}

// RAGConfig holds retrieval configuration.
type RAGConfig struct {
	// Provider selects the embedding provider ("openai" or "none").
	Provider string `mapstructure:"provider"`
	// EmbeddingModel is the provider-specific model identifier.
	EmbeddingModel string `mapstructure:"embeddingModel"`
	// EmbeddingDimension is the fixed vector dimension of the index.
	EmbeddingDimension int `mapstructure:"embeddingDimension"`
	// TopK is the number of chunks retrieved per query.
	TopK int `mapstructure:"topK"`
	// IndexIntervalSec is the background indexer pass interval.
	IndexIntervalSec int `mapstructure:"indexIntervalSec"`
	// APIKey for the embedding provider. Falls back to OPENAI_API_KEY.
	APIKey string `mapstructure:"apiKey"`
	// BaseURL overrides the provider endpoint (for proxies or local models).
	BaseURL string `mapstructure:"baseUrl"`
}

// SessionConfig holds transport session persistence configuration.
type SessionConfig struct {
	// GracePeriodMinutes is how long a disconnected client may reclaim
	// its session id.
	GracePeriodMinutes int `mapstructure:"gracePeriodMinutes"`
	// ReapIntervalSec is how often expired session rows are evicted.
	ReapIntervalSec int `mapstructure:"reapIntervalSec"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// AdminToken pins the admin token instead of minting one at startup.
	// Leave empty outside development.
	AdminToken string `mapstructure:"adminToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ToolsConfig is the persisted capability map plus the mode hint.
// Category semantics live in internal/capability; config only carries the booleans.
type ToolsConfig struct {
	Mode       string          `mapstructure:"mode"` // hint for config UIs only
	Categories map[string]bool `mapstructure:"categories"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PromptPhaseDelay returns the two-phase prompt delay as a time.Duration.
func (t *TmuxConfig) PromptPhaseDelay() time.Duration {
	return time.Duration(t.PromptPhaseDelayMs) * time.Millisecond
}

// SetupLineDelay returns the setup command spacing as a time.Duration.
func (t *TmuxConfig) SetupLineDelay() time.Duration {
	return time.Duration(t.SetupLineDelayMs) * time.Millisecond
}

// LaunchDelay returns the CLI launch wait as a time.Duration.
func (a *AgentConfig) LaunchDelay() time.Duration {
	return time.Duration(a.LaunchDelaySec) * time.Second
}

// StaleActivityWindow returns the audit staleness window as a time.Duration.
func (a *AgentConfig) StaleActivityWindow() time.Duration {
	return time.Duration(a.StaleActivityMinutes) * time.Minute
}

// GracePeriod returns the session grace period as a time.Duration.
func (s *SessionConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMinutes) * time.Minute
}

// ReapInterval returns the session reaper interval as a time.Duration.
func (s *SessionConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSec) * time.Second
}

// IndexInterval returns the indexer pass interval as a time.Duration.
func (r *RAGConfig) IndexInterval() time.Duration {
	return time.Duration(r.IndexIntervalSec) * time.Second
}

// StatePath resolves the state directory against the project dir.
func (p *ProjectConfig) StatePath() string {
	stateDir := p.StateDir
	if stateDir == "" {
		stateDir = ".agentmux"
	}
	if filepath.IsAbs(stateDir) {
		return stateDir
	}
	return filepath.Join(p.Dir, stateDir)
}

// DatabasePath is the SQLite database file inside the state directory.
func (p *ProjectConfig) DatabasePath() string {
	return filepath.Join(p.StatePath(), "agentmux.db")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.debug", false)

	// Project defaults
	v.SetDefault("project.dir", ".")
	v.SetDefault("project.stateDir", ".agentmux")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "agentmux-cluster")
	v.SetDefault("nats.clientId", "agentmux-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Tmux defaults
	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.adminSession", "")
	v.SetDefault("tmux.promptPhaseDelayMs", 500)
	v.SetDefault("tmux.setupLineDelayMs", 1000)

	// Agent defaults
	v.SetDefault("agent.cliCommand", "claude")
	v.SetDefault("agent.launchDelaySec", 4)
	v.SetDefault("agent.staleActivityMinutes", 10)

	// RAG defaults
	v.SetDefault("rag.provider", "openai")
	v.SetDefault("rag.embeddingModel", "text-embedding-3-small")
	v.SetDefault("rag.embeddingDimension", 1536)
	v.SetDefault("rag.topK", 5)
	v.SetDefault("rag.indexIntervalSec", 60)
	v.SetDefault("rag.apiKey", "")
	v.SetDefault("rag.baseUrl", "")

	// Session defaults
	v.SetDefault("session.gracePeriodMinutes", 10)
	v.SetDefault("session.reapIntervalSec", 60)

	// Auth defaults
	v.SetDefault("auth.adminToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tools defaults: full mode
	v.SetDefault("tools.mode", "full")
	v.SetDefault("tools.categories", map[string]bool{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMUX_ with snake_case naming.
// The config file is config.yaml inside the project state directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy/bare env vars documented by the tool protocol.
	_ = v.BindEnv("server.port", "PORT", "AGENTMUX_SERVER_PORT")
	_ = v.BindEnv("server.debug", "MCP_DEBUG", "AGENTMUX_SERVER_DEBUG")
	_ = v.BindEnv("rag.provider", "EMBEDDING_PROVIDER", "AGENTMUX_RAG_PROVIDER")
	_ = v.BindEnv("rag.embeddingDimension", "EMBEDDING_DIMENSION", "AGENTMUX_RAG_EMBEDDING_DIMENSION")
	_ = v.BindEnv("rag.apiKey", "OPENAI_API_KEY", "AGENTMUX_RAG_API_KEY")
	_ = v.BindEnv("project.dir", "AGENTMUX_PROJECT_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if projectDir := v.GetString("project.dir"); projectDir != "" {
		stateDir := v.GetString("project.stateDir")
		if !filepath.IsAbs(stateDir) {
			stateDir = filepath.Join(projectDir, stateDir)
		}
		v.AddConfigPath(stateDir)
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Project.Dir == "" {
		errs = append(errs, "project.dir is required")
	} else if abs, err := filepath.Abs(cfg.Project.Dir); err == nil {
		cfg.Project.Dir = abs
	}

	if cfg.RAG.EmbeddingDimension <= 0 {
		errs = append(errs, "rag.embeddingDimension must be positive")
	}
	if cfg.RAG.TopK <= 0 {
		errs = append(errs, "rag.topK must be positive")
	}

	if cfg.Session.GracePeriodMinutes <= 0 {
		errs = append(errs, "session.gracePeriodMinutes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
