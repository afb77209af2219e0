package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/events"
)

// Resolution is one reconciliation performed by an audit pass.
type Resolution struct {
	AgentID     string `json:"agent_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	Finding     string `json:"finding"`
	Action      string `json:"action"`
}

// AuditReport summarizes one audit pass.
type AuditReport struct {
	AgentsChecked   int          `json:"agents_checked"`
	SessionsChecked int          `json:"sessions_checked"`
	Resolutions     []Resolution `json:"resolutions"`
	Smart           bool         `json:"smart"`
}

// Audit reconciles three facts: agent rows, live tmux sessions carrying the
// admin suffix, and the in-memory session map. Smart mode additionally
// judges terminated-with-session agents by their recent activity in the
// action log; plain mode always keeps such sessions and suggests relaunch.
// Every resolution is logged as an audit action.
func (m *Manager) Audit(ctx context.Context, smart bool) (*AuditReport, error) {
	agents, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for audit: %w", err)
	}

	allSessions, err := m.mux.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for audit: %w", err)
	}
	// Only sessions created by the current admin carry the token suffix.
	suffix := "-" + m.auth.AdminSuffix()
	live := make(map[string]bool)
	for _, name := range allSessions {
		if strings.HasSuffix(name, suffix) {
			live[name] = true
		}
	}

	report := &AuditReport{
		AgentsChecked:   len(agents),
		SessionsChecked: len(live),
		Smart:           smart,
	}

	byID := make(map[string]*Agent, len(agents))
	bySession := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		byID[a.AgentID] = a
		if a.SessionName != "" {
			bySession[a.SessionName] = a
		}
	}

	for _, a := range agents {
		switch {
		case a.Status == StatusActive && !live[a.SessionName]:
			// Active agent with no session: the session died out from
			// under it.
			now := time.Now().UTC()
			a.Status = StatusTerminated
			a.TerminatedAt = &now
			a.CurrentTask = ""
			if err := m.store.Update(ctx, nil, a); err != nil {
				return nil, err
			}
			m.forgetSession(a.AgentID)
			m.resolve(ctx, report, Resolution{
				AgentID:     a.AgentID,
				SessionName: a.SessionName,
				Finding:     "active agent has no live session",
				Action:      "status set to terminated",
			})

		case a.Status == StatusTerminated && live[a.SessionName]:
			if smart && m.activityStale(ctx, a.AgentID) {
				if err := m.mux.KillSession(ctx, a.SessionName); err != nil {
					m.logger.WithAgentID(a.AgentID).WithError(err).Warn("audit failed to kill stale session")
					continue
				}
				m.forgetSession(a.AgentID)
				m.resolve(ctx, report, Resolution{
					AgentID:     a.AgentID,
					SessionName: a.SessionName,
					Finding:     "terminated agent has a live session with no recent activity",
					Action:      "session killed",
				})
			} else {
				m.resolve(ctx, report, Resolution{
					AgentID:     a.AgentID,
					SessionName: a.SessionName,
					Finding:     "terminated agent has a live session with recent activity",
					Action:      "session kept, relaunch suggested",
				})
			}
		}
	}

	m.mu.Lock()
	cached := make(map[string]string, len(m.sessions))
	for agentID, session := range m.sessions {
		cached[agentID] = session
	}
	m.mu.Unlock()

	for agentID, session := range cached {
		if !live[session] {
			m.forgetSession(agentID)
			m.resolve(ctx, report, Resolution{
				AgentID:     agentID,
				SessionName: session,
				Finding:     "cached session no longer exists",
				Action:      "dropped from memory",
			})
		}
	}

	for session := range live {
		a, known := bySession[session]
		if !known || a.Status == StatusTerminated {
			continue
		}
		if _, ok := cached[a.AgentID]; !ok {
			m.rememberSession(a.AgentID, session)
			m.resolve(ctx, report, Resolution{
				AgentID:     a.AgentID,
				SessionName: session,
				Finding:     "live session missing from memory",
				Action:      "added to memory",
			})
		}
	}

	m.logger.Info("audit pass complete",
		zap.Int("agents", report.AgentsChecked),
		zap.Int("sessions", report.SessionsChecked),
		zap.Int("resolutions", len(report.Resolutions)),
		zap.Bool("smart", smart))
	return report, nil
}

// activityStale reports whether the agent's last logged action is older
// than the configured staleness window.
func (m *Manager) activityStale(ctx context.Context, agentID string) bool {
	last, err := m.actions.LastActivity(ctx, agentID)
	if err != nil {
		m.logger.WithAgentID(agentID).WithError(err).Warn("failed to read last activity")
		return false
	}
	if last.IsZero() {
		return true
	}
	return time.Since(last) > m.agentCfg.StaleActivityWindow()
}

func (m *Manager) resolve(ctx context.Context, report *AuditReport, r Resolution) {
	report.Resolutions = append(report.Resolutions, r)
	if err := m.actions.Log(ctx, r.AgentID, audit.ActionAuditResolution, "", r); err != nil {
		m.logger.WithError(err).Warn("failed to log audit resolution")
	}
	m.publish(ctx, events.AgentAudited, r.AgentID, map[string]any{
		"finding": r.Finding, "action": r.Action,
	})
}
