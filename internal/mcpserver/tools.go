package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentmux/agentmux/internal/auth"
)

// toolset carries the service dependencies into the tool handlers.
type toolset struct {
	deps *Deps
}

// addFunc registers one tool if its category is enabled.
type addFunc func(category string, tool mcp.Tool, handler server.ToolHandlerFunc)

// registerTools registers every tool whose category the gate enables and
// returns the count. Registration order groups tools by category so the
// client's tool list reads coherently.
func registerTools(s *server.MCPServer, deps *Deps) int {
	ts := &toolset{deps: deps}
	count := 0
	add := func(category string, tool mcp.Tool, handler server.ToolHandlerFunc) {
		if !deps.Gate.Enabled(category) {
			return
		}
		s.AddTool(tool, handler)
		count++
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
	return count
}

// requireAdmin verifies the caller's credential against the admin token.
// Admin-gated tools name the argument admin_token; tools whose credential
// doubles as an identity (token) are accepted too. Returns a non-nil error
// result to hand back to the client on failure.
func (ts *toolset) requireAdmin(ctx context.Context, req mcp.CallToolRequest) *mcp.CallToolResult {
	token := req.GetString("admin_token", "")
	if token == "" {
		token = req.GetString("token", "")
	}
	if !ts.deps.Auth.VerifyToken(ctx, token, auth.RoleAdmin) {
		return mcp.NewToolResultError("unauthorized: admin token required")
	}
	return nil
}

// caller resolves the token argument to an identity. Admin resolves to an
// empty agent id with isAdmin true; unknown tokens produce an error result.
func (ts *toolset) caller(ctx context.Context, req mcp.CallToolRequest) (agentID string, isAdmin bool, errResult *mcp.CallToolResult) {
	token := req.GetString("token", "")
	agentID, err := ts.deps.Auth.AgentIDForToken(ctx, token)
	if err != nil {
		return "", false, mcp.NewToolResultError("unauthorized: invalid or missing token")
	}
	return agentID, agentID == "", nil
}

// actorName is the identity recorded in audit rows and messages: the agent
// id for workers, "admin" for the operator.
func actorName(agentID string, isAdmin bool) string {
	if isAdmin {
		return "admin"
	}
	return agentID
}

// jsonBlock pretty-prints a value for inclusion in a text result.
func jsonBlock(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("(failed to render: %v)", err)
	}
	return string(data)
}

// stringList extracts a []string argument, tolerating []any from JSON.
func stringList(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// withToken is the shared token parameter carried by tools that resolve the
// caller to an identity.
func withToken() mcp.ToolOption {
	return mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Caller token: the admin token or a worker agent token"),
	)
}

// withAdminToken is the credential parameter on admin-gated tools.
func withAdminToken() mcp.ToolOption {
	return mcp.WithString("admin_token",
		mcp.Required(),
		mcp.Description("Admin token authorizing the operation"),
	)
}
