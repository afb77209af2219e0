// Package capability implements the tool category gate: a flat boolean map
// deciding which tool groups the dispatcher registers at boot.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/agentmux/agentmux/internal/memory"
)

// Category names.
const (
	Basic              = "basic"
	RAG                = "rag"
	Memory             = "memory"
	AgentManagement    = "agentManagement"
	TaskManagement     = "taskManagement"
	FileManagement     = "fileManagement"
	AgentCommunication = "agentCommunication"
	SessionState       = "sessionState"
	AssistanceRequest  = "assistanceRequest"
	BackgroundAgents   = "backgroundAgents"
)

// All lists every known category.
var All = []string{
	Basic, RAG, Memory, AgentManagement, TaskManagement,
	FileManagement, AgentCommunication, SessionState,
	AssistanceRequest, BackgroundAgents,
}

// dependencies maps a category to the categories it leans on. Violations
// are surfaced as warnings, never auto-corrected.
var dependencies = map[string][]string{
	TaskManagement:    {AgentManagement},
	AssistanceRequest: {AgentCommunication},
	BackgroundAgents:  {AgentManagement},
}

// configKey is where the gate persists itself in admin_config.
const configKey = "tool_categories"

// ToolCategories is the persisted gate. Basic is always on regardless of
// the stored value.
type ToolCategories struct {
	Mode       string          `json:"mode,omitempty"`
	Categories map[string]bool `json:"categories"`
}

// Modes are shorthand maps stored only as hints for configuration UIs.
var Modes = map[string]map[string]bool{
	"minimal": {
		Basic: true,
	},
	"memoryRag": {
		Basic: true, RAG: true, Memory: true,
	},
	"background": {
		Basic: true, RAG: true, Memory: true, AgentManagement: true,
		AgentCommunication: true, BackgroundAgents: true,
	},
	"full": fullMap(),
}

func fullMap() map[string]bool {
	m := make(map[string]bool, len(All))
	for _, c := range All {
		m[c] = true
	}
	return m
}

// FromMode returns the category map for a named mode.
func FromMode(mode string) (ToolCategories, error) {
	preset, ok := Modes[mode]
	if !ok {
		return ToolCategories{}, fmt.Errorf("unknown tool mode %q", mode)
	}
	categories := make(map[string]bool, len(preset))
	for k, v := range preset {
		categories[k] = v
	}
	return ToolCategories{Mode: mode, Categories: categories}, nil
}

// Enabled reports whether a category is on. Basic is always on; unknown
// categories are off.
func (tc ToolCategories) Enabled(category string) bool {
	if category == Basic {
		return true
	}
	return tc.Categories[category]
}

// Warnings lists dependency violations in the current map.
func (tc ToolCategories) Warnings() []string {
	var warnings []string
	for _, category := range All {
		if !tc.Enabled(category) {
			continue
		}
		for _, dep := range dependencies[category] {
			if !tc.Enabled(dep) {
				warnings = append(warnings, fmt.Sprintf("%s is enabled but depends on %s, which is disabled", category, dep))
			}
		}
	}
	sort.Strings(warnings)
	return warnings
}

// Load reads the persisted gate from admin_config, falling back to the
// config file's map, then to full mode.
func Load(ctx context.Context, mem *memory.Service, fallbackMode string, fallback map[string]bool) (ToolCategories, error) {
	var tc ToolCategories
	err := mem.GetAdminConfigJSON(ctx, configKey, &tc)
	if err == nil && len(tc.Categories) > 0 {
		return tc, nil
	}
	if err != nil && !errors.Is(err, memory.ErrKeyNotFound) {
		return ToolCategories{}, err
	}

	if len(fallback) > 0 {
		categories := make(map[string]bool, len(fallback))
		for k, v := range fallback {
			categories[k] = v
		}
		return ToolCategories{Mode: fallbackMode, Categories: categories}, nil
	}

	mode := fallbackMode
	if mode == "" {
		mode = "full"
	}
	tc, err = FromMode(mode)
	if err != nil {
		return FromMode("full")
	}
	return tc, nil
}

// Save persists the gate to admin_config.
func Save(ctx context.Context, mem *memory.Service, tc ToolCategories, updatedBy string) error {
	return mem.SetAdminConfigJSON(ctx, configKey, tc, updatedBy)
}
