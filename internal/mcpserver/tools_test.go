package mcpserver

import (
	"context"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/filelock"
	"github.com/agentmux/agentmux/internal/messaging"
	"github.com/agentmux/agentmux/internal/task"
)

const testAdminToken = "aabbccddeeff00112233445566778899"

// fakeAdapter scripts tmux behavior for the tool handlers.
type fakeAdapter struct {
	mu       sync.Mutex
	sessions map[string]bool
	prompts  map[string][]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{sessions: make(map[string]bool), prompts: make(map[string][]string)}
}

func (f *fakeAdapter) Available(ctx context.Context) bool { return true }
func (f *fakeAdapter) SessionExists(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}
func (f *fakeAdapter) ListSessions(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) CreateSession(ctx context.Context, name, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}
func (f *fakeAdapter) SendCommand(ctx context.Context, name, line string) error { return nil }
func (f *fakeAdapter) SendPrompt(ctx context.Context, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts[name] = append(f.prompts[name], text)
	return nil
}
func (f *fakeAdapter) SendInterrupt(ctx context.Context, name string) error { return nil }
func (f *fakeAdapter) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	return "", nil
}
func (f *fakeAdapter) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func newTestToolset(t *testing.T) (*toolset, *fakeAdapter) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	actions, err := audit.NewStore(database)
	require.NoError(t, err)
	agentStore, err := agent.NewStore(database)
	require.NoError(t, err)
	taskStore, err := task.NewStore(database)
	require.NoError(t, err)
	msgStore, err := messaging.NewStore(database)
	require.NoError(t, err)

	tasks := task.NewService(taskStore, agentStore, actions, nil, log)
	authSvc := auth.NewService(testAdminToken, agentStore)
	adapter := newFakeAdapter()
	agents := agent.NewManager(agentStore, tasks, actions, authSvc, adapter, nil,
		config.AgentConfig{CLICommand: "claude"},
		config.TmuxConfig{},
		"http://localhost:8080/mcp", log)
	locks, err := filelock.NewArbiter(database, agents, actions, nil, log)
	require.NoError(t, err)
	messages := messaging.NewBus(msgStore, actions, agents, adapter, nil, nil, log)

	gate, err := capability.FromMode("full")
	require.NoError(t, err)

	return &toolset{deps: &Deps{
		Auth:     authSvc,
		Agents:   agents,
		Tasks:    tasks,
		Locks:    locks,
		Messages: messages,
		Actions:  actions,
		Gate:     gate,
		Logger:   log,
	}}, adapter
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func seedWorker(t *testing.T, ts *toolset, agentID, taskID string) {
	t.Helper()
	ctx := context.Background()
	_, err := ts.deps.Tasks.Create(ctx, task.CreateRequest{TaskID: taskID, Title: taskID, CreatedBy: "admin"})
	require.NoError(t, err)
	_, err = ts.deps.Agents.CreateAgent(ctx, agent.CreateRequest{AgentID: agentID, TaskIDs: []string{taskID}})
	require.NoError(t, err)
}

// registeredTools collects every tool the gate would register.
func registeredTools(ts *toolset) map[string]mcp.Tool {
	tools := make(map[string]mcp.Tool)
	add := func(category string, tool mcp.Tool, handler server.ToolHandlerFunc) {
		tools[tool.Name] = tool
	}
	ts.registerBasicTools(add)
	ts.registerAgentTools(add)
	ts.registerTaskTools(add)
	ts.registerMessageTools(add)
	ts.registerFileTools(add)
	ts.registerRagTools(add)
	ts.registerMemoryTools(add)
	ts.registerSessionTools(add)
	ts.registerBackgroundTools(add)
	return tools
}

func TestToolParameterContract(t *testing.T) {
	ts, _ := newTestToolset(t)
	tools := registeredTools(ts)

	// Admin lifecycle tools name their credential admin_token.
	for _, name := range []string{"create_agent", "terminate_agent", "relaunch_agent",
		"audit_agent_sessions", "smart_audit_agents", "list_tokens", "get_token", "view_audit_log"} {
		tool, ok := tools[name]
		require.True(t, ok, name)
		assert.Contains(t, tool.InputSchema.Required, "admin_token", name)
		assert.NotContains(t, tool.InputSchema.Required, "token", name)
	}

	// Open read-only tools require no credential at all.
	for _, name := range []string{"list_agents", "view_status", "check_file_status",
		"ask_project_rag", "get_rag_status", "health"} {
		tool, ok := tools[name]
		require.True(t, ok, name)
		assert.NotContains(t, tool.InputSchema.Required, "token", name)
		assert.NotContains(t, tool.InputSchema.Required, "admin_token", name)
	}

	list := tools["list_agents"]
	assert.Contains(t, list.InputSchema.Properties, "limit")
	assert.Contains(t, list.InputSchema.Properties, "include_details")

	update := tools["update_file_status"]
	assert.ElementsMatch(t, []string{"filepath", "status", "agent_id"}, update.InputSchema.Required)

	send := tools["send_agent_message"]
	assert.Contains(t, send.InputSchema.Required, "message")
	assert.Contains(t, send.InputSchema.Required, "token")
	assert.Contains(t, send.InputSchema.Properties, "deliver_method")

	broadcast := tools["broadcast_admin_message"]
	assert.Contains(t, broadcast.InputSchema.Required, "message")
}

func TestCreateAgentUsesAdminToken(t *testing.T) {
	ts, _ := newTestToolset(t)
	ctx := context.Background()
	_, err := ts.deps.Tasks.Create(ctx, task.CreateRequest{TaskID: "t-1", Title: "t-1", CreatedBy: "admin"})
	require.NoError(t, err)

	res, err := ts.handleCreateAgent(ctx, callReq("create_agent", map[string]any{
		"admin_token": testAdminToken,
		"agent_id":    "worker-1",
		"task_ids":    []any{"t-1"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "worker-1")

	res, err = ts.handleCreateAgent(ctx, callReq("create_agent", map[string]any{
		"admin_token": "0000000000000000000000000000dead",
		"agent_id":    "worker-2",
		"task_ids":    []any{"t-1"},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "unauthorized")
}

func TestFileLockToolsKeyedByAgentID(t *testing.T) {
	ts, _ := newTestToolset(t)
	ctx := context.Background()
	seedWorker(t, ts, "worker-1", "t-1")
	seedWorker(t, ts, "worker-2", "t-2")

	res, err := ts.handleUpdateFileStatus(ctx, callReq("update_file_status", map[string]any{
		"filepath": "/p/x.js",
		"status":   "in_use",
		"agent_id": "worker-1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	res, err = ts.handleUpdateFileStatus(ctx, callReq("update_file_status", map[string]any{
		"filepath": "/p/x.js",
		"status":   "in_use",
		"agent_id": "worker-2",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "worker-1", "contention error names the holder")

	res, err = ts.handleCheckFileStatus(ctx, callReq("check_file_status", map[string]any{
		"filepath": "/p/x.js",
		"agent_id": "worker-2",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "locked by worker-1")

	res, err = ts.handleUpdateFileStatus(ctx, callReq("update_file_status", map[string]any{
		"filepath": "/p/x.js",
		"status":   "in_use",
		"agent_id": "worker-ghost",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "unknown agent")
}

func TestOpenReadToolsNeedNoCredential(t *testing.T) {
	ts, _ := newTestToolset(t)
	ctx := context.Background()
	seedWorker(t, ts, "worker-1", "t-1")

	res, err := ts.handleListAgentsTool(ctx, callReq("list_agents", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "worker-1")

	res, err = ts.handleViewStatus(ctx, callReq("view_status", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "System Status")
}

func TestListAgentsLimitAndDetails(t *testing.T) {
	ts, _ := newTestToolset(t)
	ctx := context.Background()
	seedWorker(t, ts, "worker-1", "t-1")
	seedWorker(t, ts, "worker-2", "t-2")

	res, err := ts.handleListAgentsTool(ctx, callReq("list_agents", map[string]any{"limit": 1}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Agents (1)")

	res, err = ts.handleListAgentsTool(ctx, callReq("list_agents", map[string]any{"include_details": true}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "created:")
}

func TestSendMessageUsesMessageParam(t *testing.T) {
	ts, adapter := newTestToolset(t)
	ctx := context.Background()
	seedWorker(t, ts, "worker-1", "t-1")

	res, err := ts.handleSendMessage(ctx, callReq("send_agent_message", map[string]any{
		"token":        testAdminToken,
		"recipient_id": "worker-1",
		"message":      "hello there",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "delivered")

	// deliver_method=stored skips the live write even with a session up.
	before := len(adapter.prompts)
	res, err = ts.handleSendMessage(ctx, callReq("send_agent_message", map[string]any{
		"token":          testAdminToken,
		"recipient_id":   "worker-1",
		"message":        "quiet one",
		"deliver_method": "stored",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "stored")
	assert.Equal(t, before, len(adapter.prompts))

	res, err = ts.handleSendMessage(ctx, callReq("send_agent_message", map[string]any{
		"token":          testAdminToken,
		"recipient_id":   "worker-1",
		"message":        "bad method",
		"deliver_method": "pigeon",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestBroadcastUsesMessageParam(t *testing.T) {
	ts, _ := newTestToolset(t)
	ctx := context.Background()
	seedWorker(t, ts, "worker-1", "t-1")

	res, err := ts.handleBroadcast(ctx, callReq("broadcast_admin_message", map[string]any{
		"token":   testAdminToken,
		"message": "stand-up in five",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "1 of 1")
}
