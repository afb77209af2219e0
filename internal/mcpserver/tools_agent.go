package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/capability"
)

// registerAgentTools registers the agent lifecycle tools. All of them are
// admin-gated except list_agents, which is open read-only.
func (ts *toolset) registerAgentTools(add addFunc) {
	add(capability.AgentManagement, mcp.NewTool("create_agent",
		mcp.WithDescription("Create a worker agent, assign its initial tasks, and launch its tmux session"),
		withAdminToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Unique agent identifier")),
		mcp.WithArray("task_ids", mcp.Required(), mcp.Description("Task ids to assign; at least one"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("capabilities", mcp.Description("Capability tags for the agent"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("working_directory", mcp.Description("Working directory for the session; defaults to the project dir")),
	), ts.handleCreateAgent)

	add(capability.AgentManagement, mcp.NewTool("terminate_agent",
		mcp.WithDescription("Terminate an agent, unassign its tasks, and kill its tmux session"),
		withAdminToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to terminate")),
	), ts.handleTerminateAgent)

	add(capability.AgentManagement, mcp.NewTool("relaunch_agent",
		mcp.WithDescription("Revive a dormant or terminated agent with a fresh prompt"),
		withAdminToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to relaunch")),
		mcp.WithBoolean("generate_new_token", mcp.Description("Mint a replacement worker token")),
		mcp.WithString("custom_prompt", mcp.Description("Literal prompt overriding the default")),
		mcp.WithString("prompt_template", mcp.Description("Prompt template; {agent_id} and {token} are substituted")),
	), ts.handleRelaunchAgent)

	add(capability.AgentManagement, mcp.NewTool("list_agents",
		mcp.WithDescription("List agents, optionally filtered by status; no credential required"),
		mcp.WithString("status", mcp.Description("Filter by lifecycle status")),
		mcp.WithNumber("limit", mcp.Description("Maximum agents to return")),
		mcp.WithBoolean("include_details", mcp.Description("Include capabilities, working directory, and timestamps")),
	), ts.handleListAgentsTool)

	add(capability.AgentManagement, mcp.NewTool("audit_agent_sessions",
		mcp.WithDescription("Reconcile agent records against live tmux sessions; conservative, keeps dormant sessions"),
		withAdminToken(),
	), ts.handleAuditSessions)

	add(capability.AgentManagement, mcp.NewTool("smart_audit_agents",
		mcp.WithDescription("Reconcile agent records against live tmux sessions, killing sessions of stale terminated agents"),
		withAdminToken(),
	), ts.handleSmartAudit)

	add(capability.AgentManagement, mcp.NewTool("list_tokens",
		mcp.WithDescription("List every agent's worker token"),
		withAdminToken(),
	), ts.handleListTokens)

	add(capability.AgentManagement, mcp.NewTool("get_token",
		mcp.WithDescription("Fetch one agent's worker token"),
		withAdminToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent whose token to fetch")),
	), ts.handleGetToken)

	add(capability.AgentManagement, mcp.NewTool("view_audit_log",
		mcp.WithDescription("Read the action log, newest first"),
		withAdminToken(),
		mcp.WithString("agent_id", mcp.Description("Filter by agent")),
		mcp.WithString("action_type", mcp.Description("Filter by action type")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries; default 50")),
	), ts.handleViewAuditLog)
}

func (ts *toolset) handleCreateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	taskIDs := stringList(req, "task_ids")
	if len(taskIDs) == 0 {
		return mcp.NewToolResultError("task_ids is required: every worker agent starts with at least one task"), nil
	}

	result, err := ts.deps.Agents.CreateAgent(ctx, agent.CreateRequest{
		AgentID:          agentID,
		Capabilities:     stringList(req, "capabilities"),
		TaskIDs:          taskIDs,
		WorkingDirectory: req.GetString("working_directory", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create agent: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ Agent %s created\n", result.Agent.AgentID)
	fmt.Fprintf(&sb, "Token: %s\n", result.Agent.Token)
	fmt.Fprintf(&sb, "Session: %s\n", result.Agent.SessionName)
	fmt.Fprintf(&sb, "Color: %s\n", result.Agent.ColorName())
	fmt.Fprintf(&sb, "Assigned tasks: %s\n", strings.Join(taskIDs, ", "))
	if strings.HasPrefix(result.LaunchStatus, "WARNING") {
		fmt.Fprintf(&sb, "⚠️ %s\n", result.LaunchStatus)
	} else {
		fmt.Fprintf(&sb, "Launch: %s\n", result.LaunchStatus)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleTerminateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Agents.TerminateAgent(ctx, agentID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to terminate agent: %v", err)), nil
	}
	if ts.deps.Locks != nil {
		if n, err := ts.deps.Locks.ReleaseAllFor(ctx, agentID); err == nil && n > 0 {
			return mcp.NewToolResultText(fmt.Sprintf("✅ Agent %s terminated; released %d file locks", agentID, n)), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Agent %s terminated; its tasks are unassigned and pending", agentID)), nil
}

func (ts *toolset) handleRelaunchAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := ts.deps.Agents.RelaunchAgent(ctx, agent.RelaunchRequest{
		AgentID:          agentID,
		GenerateNewToken: req.GetBool("generate_new_token", false),
		CustomPrompt:     req.GetString("custom_prompt", ""),
		PromptTemplate:   req.GetString("prompt_template", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to relaunch agent: %v", err)), nil
	}
	text := fmt.Sprintf("✅ Agent %s relaunched in session %s", a.AgentID, a.SessionName)
	if req.GetBool("generate_new_token", false) {
		text += fmt.Sprintf("\nNew token: %s", a.Token)
	}
	return mcp.NewToolResultText(text), nil
}

func (ts *toolset) handleListAgentsTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := agent.ListFilter{Status: agent.Status(req.GetString("status", ""))}
	agents, err := ts.deps.Agents.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list agents: %v", err)), nil
	}
	if limit := req.GetInt("limit", 0); limit > 0 && limit < len(agents) {
		agents = agents[:limit]
	}
	if len(agents) == 0 {
		return mcp.NewToolResultText("No agents found."), nil
	}
	details := req.GetBool("include_details", false)

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Agents (%d)\n\n", len(agents))
	for _, a := range agents {
		glyph := "⏸️"
		switch a.Status {
		case agent.StatusActive:
			glyph = "🟢"
		case agent.StatusTerminated, agent.StatusFailed:
			glyph = "🔴"
		}
		fmt.Fprintf(&sb, "%s **%s** [%s] status=%s", glyph, a.AgentID, a.ColorName(), a.Status)
		if a.CurrentTask != "" {
			fmt.Fprintf(&sb, " task=%s", a.CurrentTask)
		}
		if a.SessionName != "" {
			fmt.Fprintf(&sb, " session=%s", a.SessionName)
		}
		if a.Kind == agent.KindBackground {
			sb.WriteString(" (background)")
		}
		sb.WriteString("\n")
		if details {
			if len(a.Capabilities) > 0 {
				fmt.Fprintf(&sb, "    capabilities: %s\n", strings.Join(a.Capabilities, ", "))
			}
			if a.WorkingDirectory != "" {
				fmt.Fprintf(&sb, "    workdir: %s\n", a.WorkingDirectory)
			}
			fmt.Fprintf(&sb, "    created: %s  updated: %s\n",
				a.CreatedAt.Format("2006-01-02 15:04:05"), a.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleAuditSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return ts.runAudit(ctx, req, false)
}

func (ts *toolset) handleSmartAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return ts.runAudit(ctx, req, true)
}

func (ts *toolset) runAudit(ctx context.Context, req mcp.CallToolRequest, smart bool) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	report, err := ts.deps.Agents.Audit(ctx, smart)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit failed: %v", err)), nil
	}

	var sb strings.Builder
	mode := "audit"
	if smart {
		mode = "smart audit"
	}
	fmt.Fprintf(&sb, "## Session %s\nAgents checked: %d\nSessions checked: %d\n",
		mode, report.AgentsChecked, report.SessionsChecked)
	if len(report.Resolutions) == 0 {
		sb.WriteString("✅ No inconsistencies found.\n")
	}
	for _, r := range report.Resolutions {
		fmt.Fprintf(&sb, "⚠️ %s", r.Finding)
		if r.AgentID != "" {
			fmt.Fprintf(&sb, " (agent %s)", r.AgentID)
		}
		fmt.Fprintf(&sb, " → %s\n", r.Action)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleListTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agents, err := ts.deps.Agents.List(ctx, agent.ListFilter{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list agents: %v", err)), nil
	}
	if len(agents) == 0 {
		return mcp.NewToolResultText("No agents registered."), nil
	}
	var sb strings.Builder
	sb.WriteString("## Agent Tokens\n\n")
	for _, a := range agents {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", a.AgentID, a.Status, a.Token)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleGetToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := ts.deps.Agents.Get(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent not found: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Token for %s: %s", a.AgentID, a.Token)), nil
}

func (ts *toolset) handleViewAuditLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	actions, err := ts.deps.Actions.Recent(ctx, audit.Filter{
		AgentID:    req.GetString("agent_id", ""),
		ActionType: req.GetString("action_type", ""),
		Limit:      req.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read audit log: %v", err)), nil
	}
	if len(actions) == 0 {
		return mcp.NewToolResultText("No matching actions."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Audit Log (%d entries, newest first)\n\n", len(actions))
	for _, a := range actions {
		fmt.Fprintf(&sb, "- %s %s %s", a.Timestamp.Format("2006-01-02 15:04:05"), a.AgentID, a.ActionType)
		if a.TaskID != "" {
			fmt.Fprintf(&sb, " task=%s", a.TaskID)
		}
		if len(a.Details) > 0 {
			fmt.Fprintf(&sb, " %s", string(a.Details))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
