package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/capability"
)

// registerBackgroundTools registers the standalone background agent tools.
func (ts *toolset) registerBackgroundTools(add addFunc) {
	add(capability.BackgroundAgents, mcp.NewTool("create_background_agent",
		mcp.WithDescription("Create a standalone agent driven by objectives instead of tasks"),
		withToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Unique agent identifier")),
		mcp.WithArray("objectives", mcp.Required(), mcp.Description("Standing objectives; at least one"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("capabilities", mcp.Description("Capability tags for the agent"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("working_directory", mcp.Description("Working directory for the session")),
	), ts.handleCreateBackgroundAgent)

	add(capability.BackgroundAgents, mcp.NewTool("list_background_agents",
		mcp.WithDescription("List background agents and their objectives"),
		withToken(),
	), ts.handleListBackgroundAgents)

	add(capability.BackgroundAgents, mcp.NewTool("terminate_background_agent",
		mcp.WithDescription("Terminate a background agent and kill its session"),
		withToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Background agent to terminate")),
	), ts.handleTerminateBackgroundAgent)
}

func (ts *toolset) handleCreateBackgroundAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	objectives := stringList(req, "objectives")
	if len(objectives) == 0 {
		return mcp.NewToolResultError("objectives is required: a background agent needs at least one standing objective"), nil
	}

	result, err := ts.deps.Agents.CreateBackgroundAgent(ctx, agent.BackgroundRequest{
		AgentID:          agentID,
		Objectives:       objectives,
		Capabilities:     stringList(req, "capabilities"),
		WorkingDirectory: req.GetString("working_directory", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create background agent: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ Background agent %s created\n", result.Agent.AgentID)
	fmt.Fprintf(&sb, "Token: %s\n", result.Agent.Token)
	fmt.Fprintf(&sb, "Session: %s\n", result.Agent.SessionName)
	fmt.Fprintf(&sb, "Objectives:\n")
	for _, o := range objectives {
		fmt.Fprintf(&sb, "- %s\n", o)
	}
	if strings.HasPrefix(result.LaunchStatus, "WARNING") {
		fmt.Fprintf(&sb, "⚠️ %s\n", result.LaunchStatus)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleListBackgroundAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	agents, err := ts.deps.Agents.ListBackgroundAgents(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list background agents: %v", err)), nil
	}
	if len(agents) == 0 {
		return mcp.NewToolResultText("No background agents."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Background Agents (%d)\n\n", len(agents))
	for _, a := range agents {
		glyph := "🟢"
		if a.Status != agent.StatusActive {
			glyph = "⏸️"
		}
		fmt.Fprintf(&sb, "%s **%s** status=%s\n", glyph, a.AgentID, a.Status)
		for _, o := range a.BackgroundObjectives {
			fmt.Fprintf(&sb, "  - %s\n", o)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleTerminateBackgroundAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Agents.TerminateBackgroundAgent(ctx, agentID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to terminate background agent: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Background agent %s terminated", agentID)), nil
}
