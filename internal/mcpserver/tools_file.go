package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/filelock"
)

// registerFileTools registers the advisory file lock tools.
func (ts *toolset) registerFileTools(add addFunc) {
	add(capability.FileManagement, mcp.NewTool("check_file_status",
		mcp.WithDescription("Check whether a file is locked and by whom"),
		mcp.WithString("filepath", mcp.Required(), mcp.Description("Path to check; relative paths resolve against the agent's working directory")),
		mcp.WithString("agent_id", mcp.Description("Agent asking; determines whether the lock counts as its own")),
	), ts.handleCheckFileStatus)

	add(capability.FileManagement, mcp.NewTool("update_file_status",
		mcp.WithDescription("Acquire or release the advisory lock on a file"),
		mcp.WithString("filepath", mcp.Required(), mcp.Description("Path to lock or release")),
		mcp.WithString("status", mcp.Required(), mcp.Description("in_use or released")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent taking or releasing the lock")),
		mcp.WithString("notes", mcp.Description("Why the file is being edited")),
	), ts.handleUpdateFileStatus)

	add(capability.FileManagement, mcp.NewTool("list_file_locks",
		mcp.WithDescription("List active file locks, optionally only the caller's"),
		withToken(),
		mcp.WithBoolean("mine_only", mcp.Description("Only locks held by the caller")),
	), ts.handleListFileLocks)
}

func (ts *toolset) handleCheckFileStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filepath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentID := req.GetString("agent_id", "")

	result, err := ts.deps.Locks.Check(ctx, path, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to check file: %v", err)), nil
	}
	if result.Status == "available" {
		return mcp.NewToolResultText(fmt.Sprintf("🟢 %s is available", result.Filepath)), nil
	}
	holder := result.LockedBy
	if result.CanEdit {
		return mcp.NewToolResultText(fmt.Sprintf("🟡 %s is locked by you since %s",
			result.Filepath, holder.LockedAt.Format("15:04:05"))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("🔴 %s is locked by %s since %s",
		result.Filepath, holder.AgentID, holder.LockedAt.Format("15:04:05"))), nil
}

func (ts *toolset) handleUpdateFileStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("filepath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exists, err := ts.deps.Agents.AgentExists(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to verify agent: %v", err)), nil
	}
	if !exists {
		return mcp.NewToolResultError(fmt.Sprintf("unknown agent %q: locks belong to registered agents", agentID)), nil
	}
	notes := req.GetString("notes", "")

	switch status {
	case filelock.StatusInUse:
		lock, err := ts.deps.Locks.Acquire(ctx, path, agentID, notes)
		if err != nil {
			if errors.Is(err, filelock.ErrLockHeld) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("failed to lock file: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("🔒 %s locked by %s", lock.Filepath, agentID)), nil
	case filelock.StatusReleased:
		if err := ts.deps.Locks.Release(ctx, path, agentID, notes); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to release file: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("🔓 %s released", path)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q: use in_use or released", status)), nil
	}
}

func (ts *toolset) handleListFileLocks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, _, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	filterAgent := ""
	if req.GetBool("mine_only", false) {
		filterAgent = agentID
	}
	locks, err := ts.deps.Locks.ActiveLocks(ctx, filterAgent)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list locks: %v", err)), nil
	}
	if len(locks) == 0 {
		return mcp.NewToolResultText("No active file locks."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Active File Locks (%d)\n\n", len(locks))
	for _, l := range locks {
		fmt.Fprintf(&sb, "🔒 %s held by %s since %s", l.Filepath, l.AgentID, l.LockedAt.Format("15:04:05"))
		if l.Notes != "" {
			fmt.Fprintf(&sb, " (%s)", l.Notes)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
