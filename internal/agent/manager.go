package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/task"
	"github.com/agentmux/agentmux/internal/tmux"
)

var (
	// ErrDuplicateAgent rejects creating an agent id that already exists,
	// either exactly or after session-name sanitization.
	ErrDuplicateAgent = errors.New("agent already exists")
	// ErrNotRelaunchable rejects relaunching an agent that is created or active.
	ErrNotRelaunchable = errors.New("agent is not in a relaunchable state")
)

// Manager drives the agent lifecycle state machine and keeps the tmux
// session bookkeeping. The Store is the source of truth; the in-memory
// session map is a cache rebuilt by the audit operations.
type Manager struct {
	store    *Store
	tasks    *task.Service
	actions  *audit.Store
	auth     *auth.Service
	mux      tmux.Adapter
	eventBus bus.EventBus
	agentCfg config.AgentConfig
	tmuxCfg  config.TmuxConfig
	// serverURL is the MCP endpoint registered with each launched CLI.
	serverURL string
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[string]string // agent_id -> session_name
}

// NewManager creates the agent manager.
func NewManager(store *Store, tasks *task.Service, actions *audit.Store, authSvc *auth.Service,
	mux tmux.Adapter, eventBus bus.EventBus, agentCfg config.AgentConfig, tmuxCfg config.TmuxConfig,
	serverURL string, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		tasks:     tasks,
		actions:   actions,
		auth:      authSvc,
		mux:       mux,
		eventBus:  eventBus,
		agentCfg:  agentCfg,
		tmuxCfg:   tmuxCfg,
		serverURL: serverURL,
		logger:    log.WithFields(zap.String("component", "agent-manager")),
		sessions:  make(map[string]string),
	}
}

// Store exposes the agent store.
func (m *Manager) Store() *Store {
	return m.store
}

// CreateRequest carries the fields of create_agent.
type CreateRequest struct {
	AgentID          string
	Capabilities     []string
	TaskIDs          []string
	WorkingDirectory string
}

// CreateResult is the outcome of create_agent. LaunchStatus describes the
// multiplexer setup, which may have failed even though the agent row exists.
type CreateResult struct {
	Agent        *Agent
	LaunchStatus string
}

// CreateAgent inserts the agent and assigns its tasks in one transaction,
// then sets up the tmux session outside of it. Multiplexer failures do not
// roll back the record; a later audit reconciles.
func (m *Manager) CreateAgent(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if len(req.TaskIDs) == 0 {
		return nil, fmt.Errorf("create_agent requires at least one task id")
	}
	if err := m.checkDuplicate(ctx, req.AgentID); err != nil {
		return nil, err
	}

	color, err := m.store.NextColor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pick agent color: %w", err)
	}

	a := &Agent{
		AgentID:          req.AgentID,
		Token:            auth.MintToken(),
		Kind:             KindWorker,
		Capabilities:     req.Capabilities,
		Status:           StatusCreated,
		CurrentTask:      req.TaskIDs[0],
		WorkingDirectory: req.WorkingDirectory,
		Color:            color,
		SessionName:      tmux.AgentSessionName(req.AgentID, m.auth.AdminToken()),
	}

	err = db.WithTx(ctx, m.store.db, func(tx *sqlx.Tx) error {
		if err := m.store.Insert(ctx, tx, a); err != nil {
			return err
		}
		if err := m.tasks.AssignAllTx(ctx, tx, req.TaskIDs, a.AgentID); err != nil {
			return err
		}
		return m.actions.LogTx(ctx, tx, a.AgentID, audit.ActionCreatedAgent, req.TaskIDs[0],
			map[string]any{"assigned_tasks": req.TaskIDs, "capabilities": a.Capabilities})
	})
	if err != nil {
		return nil, err
	}

	m.rememberSession(a.AgentID, a.SessionName)
	m.publish(ctx, events.AgentCreated, a.AgentID, map[string]any{"session": a.SessionName})

	launchStatus := m.launchSession(ctx, a, m.workerPrompt(a))
	return &CreateResult{Agent: a, LaunchStatus: launchStatus}, nil
}

// workerPrompt is the first prompt fired into a fresh worker session.
func (m *Manager) workerPrompt(a *Agent) string {
	return fmt.Sprintf("You are %s - Agent Token: %s. Start working on your assigned tasks.", a.AgentID, a.Token)
}

// backgroundPrompt is the first prompt fired into a background session.
func (m *Manager) backgroundPrompt(a *Agent) string {
	return fmt.Sprintf("You are %s - Agent Token: %s. You run standalone; your objectives: %s.",
		a.AgentID, a.Token, strings.Join(a.BackgroundObjectives, "; "))
}

// launchSession creates the tmux session, runs the setup lines, launches
// the CLI, and fires the first prompt. On success the agent transitions to
// active. Returns a human-readable launch status.
func (m *Manager) launchSession(ctx context.Context, a *Agent, prompt string) string {
	log := m.logger.WithAgentID(a.AgentID)

	if !m.mux.Available(ctx) {
		log.Warn("tmux unavailable, agent created without session")
		return "WARNING: multiplexer unavailable; agent record created, session not started"
	}
	if err := m.mux.CreateSession(ctx, a.SessionName, a.WorkingDirectory); err != nil {
		log.WithError(err).Warn("failed to create tmux session")
		return fmt.Sprintf("WARNING: session setup failed: %v", err)
	}

	setup := []string{
		fmt.Sprintf("echo 'agentmux: session for %s'", a.AgentID),
		"pwd",
		fmt.Sprintf("%s mcp add agentmux --transport http %s", m.agentCfg.CLICommand, m.serverURL),
		m.agentCfg.CLICommand,
	}
	for _, line := range setup {
		if err := m.mux.SendCommand(ctx, a.SessionName, line); err != nil {
			log.WithError(err).Warn("failed to send setup command", zap.String("line", line))
			return fmt.Sprintf("WARNING: setup command failed: %v", err)
		}
		if !sleepCtx(ctx, m.tmuxCfg.SetupLineDelay()) {
			return "WARNING: launch interrupted"
		}
	}

	// Give the CLI time to come up before the prompt.
	if !sleepCtx(ctx, m.agentCfg.LaunchDelay()) {
		return "WARNING: launch interrupted"
	}
	if err := m.mux.SendPrompt(ctx, a.SessionName, prompt); err != nil {
		log.WithError(err).Warn("failed to deliver first prompt")
		return fmt.Sprintf("WARNING: prompt delivery failed: %v", err)
	}

	a.Status = StatusActive
	if err := m.store.Update(ctx, nil, a); err != nil {
		log.WithError(err).Error("failed to mark agent active")
		return fmt.Sprintf("WARNING: prompt sent but status update failed: %v", err)
	}
	m.publish(ctx, events.AgentActive, a.AgentID, nil)
	log.Info("agent launched", zap.String("session", a.SessionName))
	return "launched"
}

// TerminateAgent moves the agent to terminated, returns its tasks to the
// unassigned pending pool, then best-effort kills the session.
func (m *Manager) TerminateAgent(ctx context.Context, agentID string) error {
	var sessionName string
	err := db.WithTx(ctx, m.store.db, func(tx *sqlx.Tx) error {
		a, err := m.store.GetTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if a.Status == StatusTerminated {
			return fmt.Errorf("agent %s is already terminated", agentID)
		}
		sessionName = a.SessionName

		now := time.Now().UTC()
		a.Status = StatusTerminated
		a.TerminatedAt = &now
		a.CurrentTask = ""
		if err := m.store.Update(ctx, tx, a); err != nil {
			return err
		}

		unassigned, err := m.tasks.UnassignAgentTx(ctx, tx, agentID)
		if err != nil {
			return err
		}
		return m.actions.LogTx(ctx, tx, agentID, audit.ActionTerminatedAgent, "",
			map[string]any{"unassigned_tasks": unassigned})
	})
	if err != nil {
		return err
	}

	m.forgetSession(agentID)
	if sessionName != "" {
		if err := m.mux.KillSession(ctx, sessionName); err != nil {
			m.logger.WithAgentID(agentID).WithError(err).Warn("failed to kill session")
		}
	}
	m.publish(ctx, events.AgentTerminated, agentID, nil)
	m.logger.WithAgentID(agentID).Info("agent terminated")
	return nil
}

// RelaunchRequest carries the optional fields of relaunch_agent.
type RelaunchRequest struct {
	AgentID          string
	GenerateNewToken bool
	CustomPrompt     string
	PromptTemplate   string
}

// RelaunchAgent revives a dormant or terminated agent: clear the session,
// wait, fire a fresh prompt, transition to active. The session is recreated
// if it died.
func (m *Manager) RelaunchAgent(ctx context.Context, req RelaunchRequest) (*Agent, error) {
	a, err := m.store.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !a.Status.Relaunchable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRelaunchable, a.AgentID, a.Status)
	}
	previousStatus := a.Status

	if req.GenerateNewToken {
		oldToken := a.Token
		a.Token = auth.MintToken()
		m.auth.Invalidate(oldToken)
	}

	if a.SessionName == "" {
		a.SessionName = tmux.AgentSessionName(a.AgentID, m.auth.AdminToken())
	}
	if !m.mux.SessionExists(ctx, a.SessionName) {
		if err := m.mux.CreateSession(ctx, a.SessionName, a.WorkingDirectory); err != nil {
			return nil, fmt.Errorf("failed to recreate session for %s: %w", a.AgentID, err)
		}
		if err := m.mux.SendCommand(ctx, a.SessionName, m.agentCfg.CLICommand); err != nil {
			return nil, fmt.Errorf("failed to relaunch CLI for %s: %w", a.AgentID, err)
		}
		if !sleepCtx(ctx, m.agentCfg.LaunchDelay()) {
			return nil, ctx.Err()
		}
	} else {
		if err := m.mux.SendCommand(ctx, a.SessionName, "clear"); err != nil {
			return nil, fmt.Errorf("failed to clear session for %s: %w", a.AgentID, err)
		}
		if !sleepCtx(ctx, m.tmuxCfg.SetupLineDelay()) {
			return nil, ctx.Err()
		}
	}

	prompt := req.CustomPrompt
	if prompt == "" && req.PromptTemplate != "" {
		prompt = strings.NewReplacer("{agent_id}", a.AgentID, "{token}", a.Token).Replace(req.PromptTemplate)
	}
	if prompt == "" {
		prompt = m.workerPrompt(a)
		if a.Kind == KindBackground {
			prompt = m.backgroundPrompt(a)
		}
	}
	if err := m.mux.SendPrompt(ctx, a.SessionName, prompt); err != nil {
		return nil, fmt.Errorf("failed to deliver relaunch prompt to %s: %w", a.AgentID, err)
	}

	a.Status = StatusActive
	a.TerminatedAt = nil
	err = db.WithTx(ctx, m.store.db, func(tx *sqlx.Tx) error {
		if err := m.store.Update(ctx, tx, a); err != nil {
			return err
		}
		return m.actions.LogTx(ctx, tx, a.AgentID, audit.ActionRelaunchedAgent, "",
			map[string]any{"previous_status": previousStatus, "new_token": req.GenerateNewToken})
	})
	if err != nil {
		return nil, err
	}

	m.rememberSession(a.AgentID, a.SessionName)
	m.publish(ctx, events.AgentRelaunched, a.AgentID, map[string]any{"previous_status": string(previousStatus)})
	m.logger.WithAgentID(a.AgentID).Info("agent relaunched", zap.String("previous_status", string(previousStatus)))
	return a, nil
}

// BackgroundRequest carries the fields of create_background_agent.
type BackgroundRequest struct {
	AgentID          string
	Objectives       []string
	Capabilities     []string
	WorkingDirectory string
}

// CreateBackgroundAgent creates a standalone agent with no task hierarchy.
// Its capabilities always include the background tag.
func (m *Manager) CreateBackgroundAgent(ctx context.Context, req BackgroundRequest) (*CreateResult, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if len(req.Objectives) == 0 {
		return nil, fmt.Errorf("create_background_agent requires at least one objective")
	}
	if err := m.checkDuplicate(ctx, req.AgentID); err != nil {
		return nil, err
	}

	caps := req.Capabilities
	if !containsString(caps, BackgroundCapability) {
		caps = append(caps, BackgroundCapability)
	}
	color, err := m.store.NextColor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pick agent color: %w", err)
	}

	a := &Agent{
		AgentID:              req.AgentID,
		Token:                auth.MintToken(),
		Kind:                 KindBackground,
		Capabilities:         caps,
		Status:               StatusCreated,
		BackgroundObjectives: req.Objectives,
		WorkingDirectory:     req.WorkingDirectory,
		Color:                color,
		SessionName:          tmux.AgentSessionName(req.AgentID, m.auth.AdminToken()),
	}

	err = db.WithTx(ctx, m.store.db, func(tx *sqlx.Tx) error {
		if err := m.store.Insert(ctx, tx, a); err != nil {
			return err
		}
		return m.actions.LogTx(ctx, tx, a.AgentID, audit.ActionCreatedAgent, "",
			map[string]any{"kind": KindBackground, "objectives": req.Objectives})
	})
	if err != nil {
		return nil, err
	}

	m.rememberSession(a.AgentID, a.SessionName)
	m.publish(ctx, events.AgentCreated, a.AgentID, map[string]any{"kind": string(KindBackground)})

	launchStatus := m.launchSession(ctx, a, m.backgroundPrompt(a))
	return &CreateResult{Agent: a, LaunchStatus: launchStatus}, nil
}

// ListBackgroundAgents returns agents carrying the background capability tag.
func (m *Manager) ListBackgroundAgents(ctx context.Context) ([]*Agent, error) {
	return m.store.List(ctx, ListFilter{Kind: KindBackground})
}

// TerminateBackgroundAgent terminates an agent after checking it is a
// background one.
func (m *Manager) TerminateBackgroundAgent(ctx context.Context, agentID string) error {
	a, err := m.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Kind != KindBackground && !containsString(a.Capabilities, BackgroundCapability) {
		return fmt.Errorf("agent %s is not a background agent", agentID)
	}
	return m.TerminateAgent(ctx, agentID)
}

// Get fetches one agent.
func (m *Manager) Get(ctx context.Context, agentID string) (*Agent, error) {
	return m.store.Get(ctx, agentID)
}

// List returns agents matching the filter.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Agent, error) {
	return m.store.List(ctx, f)
}

// SessionForAgent returns the live session name for an agent, consulting
// the cache first and falling back to the store.
func (m *Manager) SessionForAgent(ctx context.Context, agentID string) (string, bool) {
	m.mu.Lock()
	name, ok := m.sessions[agentID]
	m.mu.Unlock()
	if ok {
		return name, true
	}
	a, err := m.store.Get(ctx, agentID)
	if err != nil || a.SessionName == "" {
		return "", false
	}
	m.rememberSession(agentID, a.SessionName)
	return a.SessionName, true
}

// AgentExists reports whether the agent id is known.
func (m *Manager) AgentExists(ctx context.Context, agentID string) (bool, error) {
	return m.store.AgentExists(ctx, agentID)
}

// WorkingDirectory returns the agent's working directory. Satisfies the
// filelock arbiter's resolver.
func (m *Manager) WorkingDirectory(ctx context.Context, agentID string) (string, error) {
	a, err := m.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.WorkingDirectory, nil
}

// ActiveAgents returns every agent in active status.
func (m *Manager) ActiveAgents(ctx context.Context) ([]*Agent, error) {
	return m.store.List(ctx, ListFilter{Status: StatusActive})
}

func (m *Manager) checkDuplicate(ctx context.Context, agentID string) error {
	m.mu.Lock()
	_, inMemory := m.sessions[agentID]
	m.mu.Unlock()
	if inMemory {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agentID)
	}
	if exists, err := m.store.AgentExists(ctx, agentID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agentID)
	}

	// Two ids that sanitize to the same session name would shadow each
	// other in tmux.
	sanitized := tmux.SanitizeSessionName(agentID)
	if sanitized != agentID {
		if exists, err := m.store.AgentExists(ctx, sanitized); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: %s collides with %s after sanitization", ErrDuplicateAgent, agentID, sanitized)
		}
	}
	return nil
}

func (m *Manager) rememberSession(agentID, sessionName string) {
	m.mu.Lock()
	m.sessions[agentID] = sessionName
	m.mu.Unlock()
}

func (m *Manager) forgetSession(agentID string) {
	m.mu.Lock()
	delete(m.sessions, agentID)
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, eventType, agentID string, data map[string]any) {
	if m.eventBus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["agent_id"] = agentID
	subject := events.BuildAgentSubject(eventType, agentID)
	if err := m.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "agent-manager", data)); err != nil {
		m.logger.WithError(err).Warn("failed to publish agent event", zap.String("type", eventType))
	}
}

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
