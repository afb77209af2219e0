package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/messaging"
)

// registerMessageTools registers the communication tools. The assistance
// tool is gated separately so operators can run a quieter deployment.
func (ts *toolset) registerMessageTools(add addFunc) {
	add(capability.AgentCommunication, mcp.NewTool("send_agent_message",
		mcp.WithDescription("Send a message to another agent or the admin; stored always, delivered live when the recipient is attached"),
		withToken(),
		mcp.WithString("recipient_id", mcp.Required(), mcp.Description("Recipient agent id, or 'admin'")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message body")),
		mcp.WithString("message_type", mcp.Description("text, task_update, notification, announcement, or system_alert; default text")),
		mcp.WithString("priority", mcp.Description("low, normal, high, or urgent; default normal")),
		mcp.WithString("deliver_method", mcp.Description("auto (store then try live delivery) or stored (skip live delivery); default auto")),
	), ts.handleSendMessage)

	add(capability.AgentCommunication, mcp.NewTool("get_agent_messages",
		mcp.WithDescription("Read the caller's stored messages, oldest first"),
		withToken(),
		mcp.WithBoolean("unread_only", mcp.Description("Only unread messages")),
		mcp.WithBoolean("mark_read", mcp.Description("Mark the returned messages as read")),
		mcp.WithNumber("limit", mcp.Description("Maximum messages returned")),
	), ts.handleGetMessages)

	add(capability.AgentCommunication, mcp.NewTool("broadcast_admin_message",
		mcp.WithDescription("Broadcast a message to every active agent"),
		withToken(),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message body")),
		mcp.WithString("priority", mcp.Description("low, normal, high, or urgent; default normal")),
	), ts.handleBroadcast)

	add(capability.AgentCommunication, mcp.NewTool("send_stop_command",
		mcp.WithDescription("Interrupt an agent's session with repeated break signals"),
		withToken(),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to interrupt")),
	), ts.handleStopCommand)

	add(capability.AssistanceRequest, mcp.NewTool("request_assistance",
		mcp.WithDescription("Ask the operator for help; the request is stored and surfaced in the operator's session"),
		withToken(),
		mcp.WithString("description", mcp.Required(), mcp.Description("What is blocking you")),
		mcp.WithString("task_id", mcp.Description("Task the problem relates to")),
		mcp.WithString("urgency", mcp.Description("low, normal, high, or urgent; default high")),
		mcp.WithString("context", mcp.Description("Extra context: what you tried, errors seen")),
		mcp.WithArray("suggested_actions", mcp.Description("Actions the operator could take"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithBoolean("blocking", mcp.Description("Whether work is fully blocked")),
	), ts.handleRequestAssistance)
}

func (ts *toolset) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	recipient, err := req.RequireString("recipient_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var delivery messaging.DeliveryMethod
	switch req.GetString("deliver_method", "auto") {
	case "auto", "live":
		delivery = messaging.DeliverLive
	case "stored":
		delivery = messaging.DeliverStored
	default:
		return mcp.NewToolResultError("invalid deliver_method: use auto or stored"), nil
	}

	result, err := ts.deps.Messages.Send(ctx, messaging.SendRequest{
		SenderID:    actorName(agentID, isAdmin),
		RecipientID: recipient,
		Content:     body,
		Type:        messaging.MessageType(req.GetString("message_type", "")),
		Priority:    messaging.Priority(req.GetString("priority", "")),
		Delivery:    delivery,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	if result.Delivered {
		return mcp.NewToolResultText(fmt.Sprintf("✅ Message %s delivered to %s", result.Message.MessageID, recipient)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Message %s stored for %s (recipient not attached)", result.Message.MessageID, recipient)), nil
}

func (ts *toolset) handleGetMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	recipient := actorName(agentID, isAdmin)

	messages, err := ts.deps.Messages.Messages(ctx, messaging.ListFilter{
		RecipientID: recipient,
		UnreadOnly:  req.GetBool("unread_only", false),
		Limit:       req.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read messages: %v", err)), nil
	}
	if len(messages) == 0 {
		return mcp.NewToolResultText("📭 No messages."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Messages for %s (%d)\n\n", recipient, len(messages))
	var ids []string
	for _, m := range messages {
		marker := "📬"
		if m.Read {
			marker = "📖"
		}
		fmt.Fprintf(&sb, "%s [%s] %s from %s (%s): %s\n",
			marker, m.Timestamp.Format("15:04:05"), m.MessageType, m.SenderID, m.Priority, m.Content)
		ids = append(ids, m.MessageID)
	}
	if req.GetBool("mark_read", false) {
		if err := ts.deps.Messages.MarkRead(ctx, recipient, ids); err != nil {
			fmt.Fprintf(&sb, "\n⚠️ failed to mark read: %v\n", err)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (ts *toolset) handleBroadcast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	body, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := ts.deps.Messages.Broadcast(ctx, messaging.AdminRecipient, body,
		messaging.Priority(req.GetString("priority", "")))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("broadcast failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Broadcast reached %d of %d active agents live; the rest will see it on next poll",
		result.Delivered, result.Recipients)), nil
}

func (ts *toolset) handleStopCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := ts.deps.Messages.StopCommand(ctx, messaging.AdminRecipient, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop command failed: %v", err)), nil
	}
	if result.Delivered {
		return mcp.NewToolResultText(fmt.Sprintf("🛑 Stop signals sent to %s", agentID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("⚠️ Stop command stored but %s has no live session", agentID)), nil
}

func (ts *toolset) handleRequestAssistance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	if isAdmin {
		return mcp.NewToolResultError("request_assistance is a worker tool; the admin is the assistance target"), nil
	}
	description, err := req.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := ts.deps.Messages.RequestAssistance(ctx, messaging.AssistanceRequest{
		AgentID:          agentID,
		TaskID:           req.GetString("task_id", ""),
		Description:      description,
		Urgency:          messaging.Priority(req.GetString("urgency", "")),
		Context:          req.GetString("context", ""),
		SuggestedActions: stringList(req, "suggested_actions"),
		Blocking:         req.GetBool("blocking", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to request assistance: %v", err)), nil
	}
	if result.Delivered {
		return mcp.NewToolResultText("🆘 Assistance request delivered to the operator's session"), nil
	}
	return mcp.NewToolResultText("🆘 Assistance request stored; the operator will see it on next check"), nil
}
