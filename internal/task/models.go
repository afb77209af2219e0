// Package task implements the hierarchical, dependency-aware task graph.
//
// Tasks form two orthogonal relations over the same node set: a parent/child
// tree and an acyclic depends_on graph. Assignment, status transitions, and
// graph edits are validated by the Service; the Store only persists.
package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
// Only completed is terminal; failed and cancelled tasks may be reopened.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Priority orders tasks for human consumption only; the engine never
// schedules by it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a node in the task graph.
type Task struct {
	TaskID      string   `db:"task_id" json:"task_id"`
	Title       string   `db:"title" json:"title"`
	Description string   `db:"description" json:"description"`
	AssignedTo  string   `db:"assigned_to" json:"assigned_to,omitempty"`
	CreatedBy   string   `db:"created_by" json:"created_by"`
	Status      Status   `db:"status" json:"status"`
	Priority    Priority `db:"priority" json:"priority"`
	ParentTask  string   `db:"parent_task" json:"parent_task,omitempty"`

	// ChildTasks mirrors ParentTask: T' appears here iff T'.ParentTask
	// names this task.
	ChildTasks []string `json:"child_tasks"`
	// DependsOnTasks are the prerequisite edges of the acyclic graph.
	DependsOnTasks []string `json:"depends_on_tasks"`
	// Notes is an opaque JSON array; appends preserve order.
	Notes []json.RawMessage `json:"notes"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Unassigned reports whether the task has no owner.
func (t *Task) Unassigned() bool {
	return t.AssignedTo == ""
}

// Note is the shape the service writes when appending notes. Readers must
// tolerate arbitrary objects since the column is opaque.
type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ListFilter narrows List queries. Zero values match everything.
type ListFilter struct {
	Status     Status
	AssignedTo string
	ParentTask string
	// UnassignedOnly selects tasks with no owner; it overrides AssignedTo.
	UnassignedOnly bool
	Limit          int
}
