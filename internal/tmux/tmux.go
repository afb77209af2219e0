// Package tmux wraps the tmux command line as the terminal multiplexer
// adapter for agent sessions.
//
// The adapter is fire-and-forget: a nil error means tmux accepted the keys,
// not that the attached assistant consumed them. Prompt delivery is always
// best-effort and callers never block waiting for assistant output.
package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Adapter is the multiplexer surface the rest of the server depends on.
type Adapter interface {
	// Available reports whether the tmux binary responds.
	Available(ctx context.Context) bool
	// SessionExists reports whether a named session is alive.
	SessionExists(ctx context.Context, name string) bool
	// ListSessions returns the names of all live sessions.
	ListSessions(ctx context.Context) ([]string, error)
	// CreateSession creates a detached session rooted at cwd.
	CreateSession(ctx context.Context, name, cwd string) error
	// SendCommand types a line into the session and presses Enter.
	SendCommand(ctx context.Context, name, line string) error
	// SendPrompt delivers text in two phases: type the text, wait, then
	// press Enter separately. A combined send races with the attached
	// assistant's input handling.
	SendPrompt(ctx context.Context, name, text string) error
	// SendInterrupt sends a cancellation keystroke (C-c) to the session.
	SendInterrupt(ctx context.Context, name string) error
	// CapturePane returns the last lines of visible pane output.
	CapturePane(ctx context.Context, name string, lines int) (string, error)
	// KillSession terminates the session. Missing sessions are not an error.
	KillSession(ctx context.Context, name string) error
}

var sessionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeSessionName replaces characters tmux cannot carry in a session
// name with underscores.
func SanitizeSessionName(raw string) string {
	return sessionNameSanitizer.ReplaceAllString(raw, "_")
}

// AgentSessionName builds the canonical session name for an agent:
// <agent_id>-<lowercase last 4 chars of the admin token>. The suffix scopes
// audit queries to sessions created by the current admin.
func AgentSessionName(agentID, adminToken string) string {
	suffix := adminToken
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return SanitizeSessionName(agentID) + "-" + strings.ToLower(suffix)
}

// Tmux shells out to the tmux binary through a Runner.
type Tmux struct {
	runner      Runner
	binary      string
	promptDelay time.Duration
	logger      *logger.Logger
}

// New creates a tmux adapter from configuration.
func New(cfg config.TmuxConfig, runner Runner, log *logger.Logger) *Tmux {
	binary := cfg.Binary
	if binary == "" {
		binary = "tmux"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tmux{
		runner:      runner,
		binary:      binary,
		promptDelay: cfg.PromptPhaseDelay(),
		logger:      log.WithFields(zap.String("component", "tmux")),
	}
}

// Available reports whether the tmux binary responds.
func (t *Tmux) Available(ctx context.Context) bool {
	_, err := t.runner.Run(ctx, t.binary, "-V")
	return err == nil
}

// SessionExists reports whether a named session is alive.
func (t *Tmux) SessionExists(ctx context.Context, name string) bool {
	_, err := t.runner.Run(ctx, t.binary, "has-session", "-t", name)
	return err == nil
}

// ListSessions returns the names of all live sessions. A missing tmux
// server (no sessions at all) yields an empty list, not an error.
func (t *Tmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.runner.Run(ctx, t.binary, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(strings.ToLower(out), "no server running") {
			return nil, nil
		}
		// tmux exits non-zero when no sessions exist.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CreateSession creates a detached session rooted at cwd.
func (t *Tmux) CreateSession(ctx context.Context, name, cwd string) error {
	if t.SessionExists(ctx, name) {
		return fmt.Errorf("tmux session %q already exists", name)
	}
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if out, err := t.runner.Run(ctx, t.binary, args...); err != nil {
		return fmt.Errorf("failed to create tmux session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}
	t.logger.Info("created tmux session", zap.String("session", name), zap.String("cwd", cwd))
	return nil
}

// SendCommand types a line into the session and presses Enter. The text
// phase uses -l so tmux takes the line literally; without it a line
// starting with "-" or matching a key name is misparsed.
func (t *Tmux) SendCommand(ctx context.Context, name, line string) error {
	if out, err := t.runner.Run(ctx, t.binary, "send-keys", "-t", name, "-l", line); err != nil {
		return fmt.Errorf("failed to send command to session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}
	if out, err := t.runner.Run(ctx, t.binary, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("failed to submit command in session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}
	return nil
}

// SendPrompt delivers text in two phases. The delay between typing and
// Enter is required; collapsing the phases misfires in the attached
// assistant.
func (t *Tmux) SendPrompt(ctx context.Context, name, text string) error {
	if out, err := t.runner.Run(ctx, t.binary, "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("failed to type prompt into session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}

	select {
	case <-time.After(t.promptDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if out, err := t.runner.Run(ctx, t.binary, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("failed to submit prompt in session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}
	return nil
}

// SendInterrupt sends a cancellation keystroke to the session.
func (t *Tmux) SendInterrupt(ctx context.Context, name string) error {
	if out, err := t.runner.Run(ctx, t.binary, "send-keys", "-t", name, "C-c"); err != nil {
		return fmt.Errorf("failed to interrupt session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}
	return nil
}

// CapturePane returns the last lines of visible pane output.
func (t *Tmux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.runner.Run(ctx, t.binary, "capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("failed to capture pane for session %q: %w", name, err)
	}
	return out, nil
}

// KillSession terminates the session. Missing sessions are not an error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	if !t.SessionExists(ctx, name) {
		return nil
	}
	if out, err := t.runner.Run(ctx, t.binary, "kill-session", "-t", name); err != nil {
		return fmt.Errorf("failed to kill tmux session %q: %w (%s)", name, err, strings.TrimSpace(out))
	}
	t.logger.Info("killed tmux session", zap.String("session", name))
	return nil
}
