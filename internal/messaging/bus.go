package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	eventbus "github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/tmux"
)

// stopSignalCount and stopSignalSpacing shape the stop_command delivery:
// repeated interrupts, spaced out, so the assistant cannot swallow one.
const (
	stopSignalCount   = 4
	stopSignalSpacing = time.Second
)

// AgentDirectory resolves recipients. Implemented by the agent manager.
type AgentDirectory interface {
	SessionForAgent(ctx context.Context, agentID string) (string, bool)
	ActiveAgents(ctx context.Context) ([]*agent.Agent, error)
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

// AdminNotifier delivers a block to the operator's own attached session.
// The detection heuristic is the implementation's business; false means
// the message stays stored-only.
type AdminNotifier interface {
	SendToAdminSession(ctx context.Context, message, urgency string) bool
}

// Bus stores messages and attempts best-effort live delivery.
type Bus struct {
	store    *Store
	actions  *audit.Store
	agents   AgentDirectory
	mux      tmux.Adapter
	admin    AdminNotifier
	eventBus eventbus.EventBus
	logger   *logger.Logger
}

// NewBus creates the message bus.
func NewBus(store *Store, actions *audit.Store, agents AgentDirectory, mux tmux.Adapter,
	admin AdminNotifier, eventBus eventbus.EventBus, log *logger.Logger) *Bus {
	return &Bus{
		store:    store,
		actions:  actions,
		agents:   agents,
		mux:      mux,
		admin:    admin,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "message-bus")),
	}
}

// SendRequest carries the fields of send_agent_message.
type SendRequest struct {
	SenderID    string
	RecipientID string
	Content     string
	Type        MessageType
	Priority    Priority
	Delivery    DeliveryMethod
}

// SendResult reports the stored message and whether live delivery landed.
type SendResult struct {
	Message   *Message `json:"message"`
	Delivered bool     `json:"delivered"`
}

// Send stores the message, then attempts live delivery if requested.
// Live failures degrade to stored-only; the recipient sees the message on
// next poll.
func (b *Bus) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("message content is required")
	}
	if req.Type == "" {
		req.Type = TypeText
	}
	if !ValidType(req.Type) {
		return nil, fmt.Errorf("invalid message type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !ValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid message priority %q", req.Priority)
	}
	if req.Delivery == "" {
		req.Delivery = DeliverLive
	}
	if req.RecipientID != AdminRecipient {
		exists, err := b.agents.AgentExists(ctx, req.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("failed to verify recipient: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("recipient agent %s does not exist", req.RecipientID)
		}
	}

	m := &Message{
		MessageID:   uuid.New().String(),
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		MessageType: req.Type,
		Priority:    req.Priority,
		Timestamp:   time.Now().UTC(),
	}
	err := db.WithTx(ctx, b.store.db, func(tx *sqlx.Tx) error {
		if err := b.store.InsertTx(ctx, tx, m); err != nil {
			return err
		}
		return b.actions.LogAtTx(ctx, tx, m.Timestamp, req.SenderID, audit.ActionMessageSent, "",
			map[string]any{"message_id": m.MessageID, "recipient": m.RecipientID, "type": m.MessageType})
	})
	if err != nil {
		return nil, err
	}
	b.publish(ctx, events.BuildMessageSubject(events.MessageStored, m.RecipientID), events.MessageStored, m)

	result := &SendResult{Message: m}
	if req.Delivery == DeliverLive {
		result.Delivered = b.deliverLive(ctx, m)
	}
	return result, nil
}

// deliverLive writes the formatted block into the recipient's session and
// marks the row delivered on success.
func (b *Bus) deliverLive(ctx context.Context, m *Message) bool {
	if m.RecipientID == AdminRecipient {
		if b.admin == nil || !b.admin.SendToAdminSession(ctx, formatBlock(m), string(m.Priority)) {
			return false
		}
	} else {
		session, ok := b.agents.SessionForAgent(ctx, m.RecipientID)
		if !ok {
			return false
		}
		if err := b.mux.SendPrompt(ctx, session, formatBlock(m)); err != nil {
			b.logger.WithError(err).Debug("live delivery failed, message stays stored",
				zap.String("message_id", m.MessageID), zap.String("recipient", m.RecipientID))
			return false
		}
	}
	if err := b.store.MarkDelivered(ctx, m.MessageID); err != nil {
		b.logger.WithError(err).Warn("failed to mark message delivered", zap.String("message_id", m.MessageID))
		return false
	}
	b.publish(ctx, events.BuildMessageSubject(events.MessageDelivered, m.RecipientID), events.MessageDelivered, m)
	return true
}

// formatBlock renders the message for a live session write.
func formatBlock(m *Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s from %s | priority: %s | id: %s] ", m.MessageType, m.SenderID, m.Priority, m.MessageID)
	sb.WriteString(m.Content)
	return sb.String()
}

// Messages returns stored messages matching the filter.
func (b *Bus) Messages(ctx context.Context, f ListFilter) ([]*Message, error) {
	return b.store.List(ctx, f)
}

// MarkRead flips the read flag for the recipient's messages.
func (b *Bus) MarkRead(ctx context.Context, recipientID string, messageIDs []string) error {
	return b.store.MarkRead(ctx, recipientID, messageIDs)
}

// UnreadCount returns the number of unread messages for a recipient.
func (b *Bus) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return b.store.UnreadCount(ctx, recipientID)
}

// BroadcastResult reports a fan-out.
type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
}

// Broadcast fans the message out to every active agent.
func (b *Bus) Broadcast(ctx context.Context, senderID, content string, priority Priority) (*BroadcastResult, error) {
	active, err := b.agents.ActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}
	result := &BroadcastResult{}
	for _, a := range active {
		if a.AgentID == senderID {
			continue
		}
		result.Recipients++
		sent, err := b.Send(ctx, SendRequest{
			SenderID:    senderID,
			RecipientID: a.AgentID,
			Content:     content,
			Type:        TypeBroadcast,
			Priority:    priority,
			Delivery:    DeliverLive,
		})
		if err != nil {
			b.logger.WithError(err).Warn("broadcast send failed", zap.String("recipient", a.AgentID))
			continue
		}
		if sent.Delivered {
			result.Delivered++
		}
	}
	b.publish(ctx, events.BroadcastSent, events.BroadcastSent, &Message{
		SenderID: senderID, Content: content, MessageType: TypeBroadcast, Priority: priority,
	})
	b.logger.Info("broadcast sent", zap.String("sender", senderID),
		zap.Int("recipients", result.Recipients), zap.Int("delivered", result.Delivered))
	return result, nil
}

// StopCommand interrupts the target's attached assistant: repeated C-c,
// spaced out, regardless of the agent's recorded state.
func (b *Bus) StopCommand(ctx context.Context, senderID, targetAgentID string) (*SendResult, error) {
	result, err := b.Send(ctx, SendRequest{
		SenderID:    senderID,
		RecipientID: targetAgentID,
		Content:     "STOP: operator interrupt",
		Type:        TypeStopCommand,
		Priority:    PriorityUrgent,
		Delivery:    DeliverStored,
	})
	if err != nil {
		return nil, err
	}

	session, ok := b.agents.SessionForAgent(ctx, targetAgentID)
	if !ok {
		return result, fmt.Errorf("no session known for agent %s", targetAgentID)
	}
	for i := 0; i < stopSignalCount; i++ {
		if err := b.mux.SendInterrupt(ctx, session); err != nil {
			return result, fmt.Errorf("stop delivery failed at signal %d: %w", i+1, err)
		}
		if i < stopSignalCount-1 {
			select {
			case <-time.After(stopSignalSpacing):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	result.Delivered = true
	if err := b.store.MarkDelivered(ctx, result.Message.MessageID); err != nil {
		b.logger.WithError(err).Warn("failed to mark stop command delivered")
	}
	b.publish(ctx, events.BuildMessageSubject(events.StopCommandDelivered, targetAgentID), events.StopCommandDelivered, result.Message)
	b.logger.Info("stop command delivered", zap.String("target", targetAgentID))
	return result, nil
}

// AssistanceRequest carries the fields of request_assistance.
type AssistanceRequest struct {
	AgentID          string
	TaskID           string
	Description      string
	Urgency          Priority
	Context          string
	SuggestedActions []string
	Blocking         bool
}

// RequestAssistance stores an assistance message addressed to the operator
// and tries to surface it in the operator's attached session. The message
// row and its action-log row share one timestamp.
func (b *Bus) RequestAssistance(ctx context.Context, req AssistanceRequest) (*SendResult, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("assistance description is required")
	}
	if req.Urgency == "" {
		req.Urgency = PriorityHigh
	}
	if !ValidPriority(req.Urgency) {
		return nil, fmt.Errorf("invalid urgency %q", req.Urgency)
	}

	messageID := uuid.New().String()
	m := &Message{
		MessageID:   messageID,
		SenderID:    req.AgentID,
		RecipientID: AdminRecipient,
		Content:     formatAssistanceBlock(messageID, req),
		MessageType: TypeAssistanceRequest,
		Priority:    req.Urgency,
		Timestamp:   time.Now().UTC(),
	}
	err := db.WithTx(ctx, b.store.db, func(tx *sqlx.Tx) error {
		if err := b.store.InsertTx(ctx, tx, m); err != nil {
			return err
		}
		return b.actions.LogAtTx(ctx, tx, m.Timestamp, req.AgentID, audit.ActionRequestAssistance, req.TaskID,
			map[string]any{"message_id": m.MessageID, "urgency": req.Urgency, "blocking": req.Blocking})
	})
	if err != nil {
		return nil, err
	}
	b.publish(ctx, events.BuildMessageSubject(events.AssistanceRequested, AdminRecipient), events.AssistanceRequested, m)

	result := &SendResult{Message: m}
	if b.admin != nil && b.admin.SendToAdminSession(ctx, m.Content, string(req.Urgency)) {
		result.Delivered = true
		if err := b.store.MarkDelivered(ctx, m.MessageID); err != nil {
			b.logger.WithError(err).Warn("failed to mark assistance request delivered")
		}
	}
	b.logger.Info("assistance requested", zap.String("agent_id", req.AgentID),
		zap.String("urgency", string(req.Urgency)), zap.Bool("delivered", result.Delivered))
	return result, nil
}

// formatAssistanceBlock renders the structured operator block. The stored
// message id is part of the block so the operator can correlate the screen
// text with get_agent_messages output.
func formatAssistanceBlock(messageID string, req AssistanceRequest) string {
	var sb strings.Builder
	sb.WriteString("=== ASSISTANCE REQUEST ===\n")
	fmt.Fprintf(&sb, "Agent: %s\n", req.AgentID)
	fmt.Fprintf(&sb, "Request: %s\n", messageID)
	fmt.Fprintf(&sb, "Urgency: %s | Blocking: %t\n", req.Urgency, req.Blocking)
	if req.TaskID != "" {
		fmt.Fprintf(&sb, "Task: %s\n", req.TaskID)
	}
	fmt.Fprintf(&sb, "Problem: %s\n", req.Description)
	if req.Context != "" {
		fmt.Fprintf(&sb, "Context: %s\n", req.Context)
	}
	if len(req.SuggestedActions) > 0 {
		sb.WriteString("Suggested actions:\n")
		for _, action := range req.SuggestedActions {
			fmt.Fprintf(&sb, "  - %s\n", action)
		}
	}
	fmt.Fprintf(&sb, "Reply with: send_agent_message(recipient_id=%q, ...)\n", req.AgentID)
	sb.WriteString("==========================")
	return sb.String()
}

func (b *Bus) publish(ctx context.Context, subject, eventType string, m *Message) {
	if b.eventBus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, "message-bus", map[string]any{
		"message_id": m.MessageID,
		"sender":     m.SenderID,
		"recipient":  m.RecipientID,
		"type":       string(m.MessageType),
		"priority":   string(m.Priority),
	})
	if err := b.eventBus.Publish(ctx, subject, event); err != nil {
		b.logger.WithError(err).Warn("failed to publish message event", zap.String("type", eventType))
	}
}
