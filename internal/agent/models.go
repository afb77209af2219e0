// Package agent implements the worker lifecycle state machine and the
// session bookkeeping around it.
package agent

import (
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
)

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusCreated, StatusActive, StatusTerminated, StatusFailed,
		StatusCompleted, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Relaunchable reports whether relaunch_agent may fire from s. Dormant
// states and terminated qualify; created and active do not.
func (s Status) Relaunchable() bool {
	switch s {
	case StatusTerminated, StatusFailed, StatusCompleted, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Kind separates hierarchical workers from standalone background agents.
type Kind string

const (
	KindWorker     Kind = "worker"
	KindBackground Kind = "background"
)

// BackgroundCapability tags every background agent's capability list and is
// used as a cheap filter.
const BackgroundCapability = "background-agent"

// Agent is one supervised assistant.
type Agent struct {
	AgentID string `json:"agent_id"`
	// Token is the worker's identity proof. Never included in tool output
	// except at creation and on explicit token tools.
	Token        string   `json:"-"`
	Kind         Kind     `json:"kind"`
	Capabilities []string `json:"capabilities"`
	Status       Status   `json:"status"`
	// CurrentTask is the task the worker should be driving. Empty for
	// background agents, whose goals live in BackgroundObjectives.
	CurrentTask          string   `json:"current_task,omitempty"`
	BackgroundObjectives []string `json:"background_objectives,omitempty"`
	WorkingDirectory     string   `json:"working_directory"`
	// Color is a rotating palette index for dashboard display.
	Color        int        `json:"color"`
	SessionName  string     `json:"session_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// colorPalette rotates across created agents.
var colorPalette = []string{"red", "green", "yellow", "blue", "magenta", "cyan", "orange", "purple"}

// ColorName maps the palette index to a display name.
func (a *Agent) ColorName() string {
	if len(colorPalette) == 0 {
		return ""
	}
	return colorPalette[a.Color%len(colorPalette)]
}

// PaletteSize is the number of distinct agent colors.
func PaletteSize() int {
	return len(colorPalette)
}

// ListFilter narrows List queries. Zero values match everything.
type ListFilter struct {
	Status Status
	Kind   Kind
	Limit  int
}
