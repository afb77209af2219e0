package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/mcpserver/session"
)

// registerSessionTools registers transport session persistence tools.
func (ts *toolset) registerSessionTools(add addFunc) {
	add(capability.SessionState, mcp.NewTool("save_session_state",
		mcp.WithDescription("Persist transport state and conversation snapshot for a session"),
		withToken(),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Transport session id")),
		mcp.WithString("transport_state", mcp.Description("Opaque transport state JSON")),
		mcp.WithString("conversation", mcp.Description("Opaque conversation snapshot JSON")),
	), ts.handleSaveSessionState)

	add(capability.SessionState, mcp.NewTool("get_session_state",
		mcp.WithDescription("Read one session's persisted state"),
		withToken(),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Transport session id")),
	), ts.handleGetSessionState)

	add(capability.SessionState, mcp.NewTool("list_sessions",
		mcp.WithDescription("List persisted transport sessions"),
		withToken(),
	), ts.handleListSessionsTool)
}

func (ts *toolset) handleSaveSessionState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var transportState, conversation json.RawMessage
	if raw := req.GetString("transport_state", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("transport_state must be valid JSON"), nil
		}
		transportState = json.RawMessage(raw)
	}
	if raw := req.GetString("conversation", ""); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("conversation must be valid JSON"), nil
		}
		conversation = json.RawMessage(raw)
	}

	if err := ts.deps.Sessions.SaveState(ctx, sessionID, transportState, conversation); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown session %s", sessionID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to save session state: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ State saved for session %s", sessionID)), nil
}

func (ts *toolset) handleGetSessionState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s, err := ts.deps.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown session %s", sessionID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to read session: %v", err)), nil
	}
	return mcp.NewToolResultText(jsonBlock(s)), nil
}

func (ts *toolset) handleListSessionsTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	sessions, err := ts.deps.Sessions.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No persisted sessions."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Transport Sessions (%d)\n\n", len(sessions))
	for _, s := range sessions {
		glyph := "🟢"
		switch s.Status {
		case session.StatusDisconnected:
			glyph = "🟡"
		case session.StatusExpired:
			glyph = "🔴"
		case session.StatusRecovered:
			glyph = "🔄"
		}
		fmt.Fprintf(&sb, "%s %s status=%s heartbeat=%s recoveries=%d\n",
			glyph, s.SessionID, s.Status, s.LastHeartbeat.Format("15:04:05"), s.RecoveryAttempts)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
