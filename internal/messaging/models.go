// Package messaging implements the message and assistance bus: direct
// messages, broadcasts, stop commands, and operator assistance requests.
// Persistence is the contract; live delivery through tmux is best-effort.
package messaging

import "time"

// MessageType classifies a stored message.
type MessageType string

const (
	TypeText              MessageType = "text"
	TypeAssistanceRequest MessageType = "assistance_request"
	TypeTaskUpdate        MessageType = "task_update"
	TypeNotification      MessageType = "notification"
	TypeStopCommand       MessageType = "stop_command"
	TypeBroadcast         MessageType = "broadcast"
	TypeAnnouncement      MessageType = "announcement"
	TypeSystemAlert       MessageType = "system_alert"
)

// ValidType reports whether t is a known message type.
func ValidType(t MessageType) bool {
	switch t {
	case TypeText, TypeAssistanceRequest, TypeTaskUpdate, TypeNotification,
		TypeStopCommand, TypeBroadcast, TypeAnnouncement, TypeSystemAlert:
		return true
	}
	return false
}

// Priority orders messages for the recipient.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AdminRecipient is the reserved recipient id for the operator.
const AdminRecipient = "admin"

// Message is one stored message.
type Message struct {
	MessageID   string      `db:"message_id" json:"message_id"`
	SenderID    string      `db:"sender_id" json:"sender_id"`
	RecipientID string      `db:"recipient_id" json:"recipient_id"`
	Content     string      `db:"content" json:"content"`
	MessageType MessageType `db:"message_type" json:"message_type"`
	Priority    Priority    `db:"priority" json:"priority"`
	Timestamp   time.Time   `db:"timestamp" json:"timestamp"`
	Delivered   bool        `db:"delivered" json:"delivered"`
	Read        bool        `db:"read" json:"read"`
}

// DeliveryMethod selects how hard the bus tries to reach the recipient.
type DeliveryMethod string

const (
	// DeliverStored persists only; the recipient polls.
	DeliverStored DeliveryMethod = "stored"
	// DeliverLive persists, then attempts a live write into the
	// recipient's session.
	DeliverLive DeliveryMethod = "live"
)
