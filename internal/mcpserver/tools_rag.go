package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
)

// registerRagTools registers the retrieval tools.
func (ts *toolset) registerRagTools(add addFunc) {
	add(capability.RAG, mcp.NewTool("ask_project_rag",
		mcp.WithDescription("Ask a question over the indexed project knowledge; answers cite their sources"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural language question")),
	), ts.handleAskRag)

	add(capability.RAG, mcp.NewTool("get_rag_status",
		mcp.WithDescription("Report index availability, chunk counts, and indexing watermarks"),
	), ts.handleRagStatusTool)
}

func (ts *toolset) handleAskRag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	answer, err := ts.deps.Rag.Ask(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(answer.Text), nil
}

func (ts *toolset) handleRagStatusTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := ts.deps.Rag.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read rag status: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Retrieval Status\n\n")
	if status.Available {
		fmt.Fprintf(&sb, "🟢 available (dimension %d)\n", status.Dimension)
	} else {
		sb.WriteString("🔴 unavailable\n")
	}
	fmt.Fprintf(&sb, "Embedding rows: %d\n\nChunks by source:\n", status.EmbeddingRows)
	for source, n := range status.ChunkCounts {
		fmt.Fprintf(&sb, "- %s: %d\n", source, n)
	}
	sb.WriteString("\nWatermarks:\n")
	for key, value := range status.Watermarks {
		fmt.Fprintf(&sb, "- %s: %s\n", key, value)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
