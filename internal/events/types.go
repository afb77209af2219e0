// Package events provides event types and utilities for the agentmux event system.
package events

// Event types for agent lifecycle
const (
	AgentCreated    = "agent.created"
	AgentActive     = "agent.active"
	AgentRelaunched = "agent.relaunched"
	AgentTerminated = "agent.terminated"
	AgentAudited    = "agent.audited" // An audit pass resolved an inconsistency
)

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskAssigned     = "task.assigned"
	TaskStateChanged = "task.state_changed"
	TaskUpdated      = "task.updated"
	TaskDeleted      = "task.deleted"
)

// Event types for agent messages
const (
	MessageStored        = "message.stored"
	MessageDelivered     = "message.delivered"
	AssistanceRequested  = "assistance.requested"
	BroadcastSent        = "broadcast.sent"
	StopCommandDelivered = "stop.delivered"
)

// Event types for file locks
const (
	FileLocked   = "file.locked"
	FileReleased = "file.released"
)

// Event types for the RAG substrate
const (
	RagSourceChanged = "rag.source_changed" // A candidate source mutated; wakes the indexer
	RagIndexed       = "rag.indexed"        // An indexer pass committed new chunks
	RagMigrated      = "rag.migrated"       // Dimension migration completed
)

// Event types for transport sessions
const (
	SessionConnected    = "session.connected"
	SessionDisconnected = "session.disconnected"
	SessionRecovered    = "session.recovered"
	SessionExpired      = "session.expired"
)

// BuildAgentSubject creates an agent lifecycle subject scoped to one agent.
func BuildAgentSubject(eventType, agentID string) string {
	return eventType + "." + agentID
}

// BuildMessageSubject creates a message subject scoped to the recipient.
func BuildMessageSubject(eventType, recipientID string) string {
	return eventType + "." + recipientID
}

// BuildMessageWildcardSubject matches one message event type across all
// recipients. The event bus supports single-token wildcards only, so feeds
// that want every recipient subscribe per event type.
func BuildMessageWildcardSubject(eventType string) string {
	return eventType + ".*"
}
