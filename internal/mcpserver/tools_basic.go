package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
)

// registerBasicTools registers the always-on tools: health, token
// validation, and the status overview.
func (ts *toolset) registerBasicTools(add addFunc) {
	add(capability.Basic, mcp.NewTool("health",
		mcp.WithDescription("Check that the coordination server is up"),
	), ts.handleHealthTool)

	add(capability.Basic, mcp.NewTool("validate_token",
		mcp.WithDescription("Check a token and report its role and agent identity"),
		withToken(),
	), ts.handleValidateToken)

	add(capability.Basic, mcp.NewTool("view_status",
		mcp.WithDescription("Overview of agents, tasks, file locks, and retrieval availability"),
		mcp.WithString("admin_token", mcp.Description("Accepted for compatibility; the overview is open read-only")),
	), ts.handleViewStatus)
}

func (ts *toolset) handleHealthTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("✅ agentmux is healthy"), nil
}

func (ts *toolset) handleValidateToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if isAdmin {
		return mcp.NewToolResultText("✅ Valid admin token"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Valid worker token for agent %s", agentID)), nil
}

func (ts *toolset) handleViewStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentCounts, err := ts.deps.Agents.Store().CountByStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count agents: %v", err)), nil
	}
	taskCounts, err := ts.deps.Tasks.CountByStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count tasks: %v", err)), nil
	}
	locks, err := ts.deps.Locks.ActiveLocks(ctx, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list locks: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## System Status\n\n")

	sb.WriteString("### Agents\n")
	if len(agentCounts) == 0 {
		sb.WriteString("No agents registered.\n")
	}
	for status, n := range agentCounts {
		glyph := "⏸️"
		if status == "active" {
			glyph = "🟢"
		} else if status == "terminated" || status == "failed" {
			glyph = "🔴"
		}
		fmt.Fprintf(&sb, "%s %s: %d\n", glyph, status, n)
	}

	sb.WriteString("\n### Tasks\n")
	if len(taskCounts) == 0 {
		sb.WriteString("No tasks.\n")
	}
	for status, n := range taskCounts {
		glyph := "📋"
		switch string(status) {
		case "in_progress":
			glyph = "🔧"
		case "completed":
			glyph = "✅"
		case "failed", "cancelled":
			glyph = "❌"
		}
		fmt.Fprintf(&sb, "%s %s: %d\n", glyph, status, n)
	}

	fmt.Fprintf(&sb, "\n### File Locks\n🔒 in use: %d\n", len(locks))
	for _, l := range locks {
		fmt.Fprintf(&sb, "- %s (held by %s)\n", l.Filepath, l.AgentID)
	}

	sb.WriteString("\n### Retrieval\n")
	if ts.deps.Rag != nil && ts.deps.Rag.Available() {
		sb.WriteString("🟢 vector index available\n")
	} else {
		sb.WriteString("🔴 vector index unavailable\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}
