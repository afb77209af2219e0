package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/memory"
)

// registerMemoryTools registers the shared key-value memory tools.
func (ts *toolset) registerMemoryTools(add addFunc) {
	add(capability.Memory, mcp.NewTool("update_project_context",
		mcp.WithDescription("Store a project context entry visible to every agent"),
		withToken(),
		mcp.WithString("key", mcp.Required(), mcp.Description("Context key")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Context value")),
		mcp.WithString("description", mcp.Description("What this entry records")),
	), ts.handleUpdateProjectContext)

	add(capability.Memory, mcp.NewTool("get_project_context",
		mcp.WithDescription("Read project context entries; omit key to list by prefix"),
		withToken(),
		mcp.WithString("key", mcp.Description("Exact key to read")),
		mcp.WithString("prefix", mcp.Description("Key prefix for listing")),
	), ts.handleGetProjectContext)

	add(capability.Memory, mcp.NewTool("update_file_metadata",
		mcp.WithDescription("Record shared metadata about a file"),
		withToken(),
		mcp.WithString("filepath", mcp.Required(), mcp.Description("File the metadata describes")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Metadata value")),
		mcp.WithString("description", mcp.Description("What this metadata records")),
	), ts.handleUpdateFileMetadata)

	add(capability.Memory, mcp.NewTool("get_file_metadata",
		mcp.WithDescription("Read shared file metadata; omit filepath to list by prefix"),
		withToken(),
		mcp.WithString("filepath", mcp.Description("Exact file to read")),
		mcp.WithString("prefix", mcp.Description("Path prefix for listing")),
	), ts.handleGetFileMetadata)
}

func (ts *toolset) handleUpdateProjectContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Memory.SetProjectContext(ctx, key, value,
		req.GetString("description", ""), actorName(agentID, isAdmin)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store context: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Context %q stored", key)), nil
}

func (ts *toolset) handleGetProjectContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	if key := req.GetString("key", ""); key != "" {
		entry, err := ts.deps.Memory.GetProjectContext(ctx, key)
		if err != nil {
			if errors.Is(err, memory.ErrKeyNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("no context entry %q", key)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("failed to read context: %v", err)), nil
		}
		return mcp.NewToolResultText(renderEntry(entry)), nil
	}

	entries, err := ts.deps.Memory.ListProjectContext(ctx, req.GetString("prefix", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list context: %v", err)), nil
	}
	return mcp.NewToolResultText(renderEntries("Project Context", entries)), nil
}

func (ts *toolset) handleUpdateFileMetadata(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	path, err := req.RequireString("filepath")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Memory.SetFileMetadata(ctx, path, value,
		req.GetString("description", ""), actorName(agentID, isAdmin)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store metadata: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Metadata for %q stored", path)), nil
}

func (ts *toolset) handleGetFileMetadata(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	if path := req.GetString("filepath", ""); path != "" {
		entry, err := ts.deps.Memory.GetFileMetadata(ctx, path)
		if err != nil {
			if errors.Is(err, memory.ErrKeyNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("no metadata for %q", path)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("failed to read metadata: %v", err)), nil
		}
		return mcp.NewToolResultText(renderEntry(entry)), nil
	}

	entries, err := ts.deps.Memory.ListFileMetadata(ctx, req.GetString("prefix", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list metadata: %v", err)), nil
	}
	return mcp.NewToolResultText(renderEntries("File Metadata", entries)), nil
}

func renderEntry(e *memory.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s**\n%s\n", e.Key, e.Value)
	if e.Description != "" {
		fmt.Fprintf(&sb, "_%s_\n", e.Description)
	}
	fmt.Fprintf(&sb, "(updated by %s at %s)\n", e.UpdatedBy, e.LastUpdated.Format("2006-01-02 15:04:05"))
	return sb.String()
}

func renderEntries(title string, entries []*memory.Entry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("No %s entries.", strings.ToLower(title))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s (%d)\n\n", title, len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "- **%s**: %s", e.Key, e.Value)
		if e.Description != "" {
			fmt.Fprintf(&sb, " (%s)", e.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
