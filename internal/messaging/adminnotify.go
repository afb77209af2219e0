package messaging

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/tmux"
)

// TmuxAdminNotifier delivers operator blocks to the admin's own attached
// tmux session. If no session name is configured it falls back to the
// first live session that is not one of our agent sessions (identified by
// the admin-token suffix).
type TmuxAdminNotifier struct {
	mux tmux.Adapter
	// sessionName pins the operator session; empty means detect.
	sessionName string
	// agentSuffix is "-<last4>" carried by sessions this server created.
	agentSuffix string
	logger      *logger.Logger
}

// NewTmuxAdminNotifier creates the notifier.
func NewTmuxAdminNotifier(mux tmux.Adapter, sessionName, agentSuffix string, log *logger.Logger) *TmuxAdminNotifier {
	return &TmuxAdminNotifier{
		mux:         mux,
		sessionName: sessionName,
		agentSuffix: agentSuffix,
		logger:      log.WithFields(zap.String("component", "admin-notifier")),
	}
}

// SendToAdminSession writes the block into the operator session. Returns
// false when no session could be found or the write failed.
func (n *TmuxAdminNotifier) SendToAdminSession(ctx context.Context, message, urgency string) bool {
	session := n.sessionName
	if session != "" && !n.mux.SessionExists(ctx, session) {
		session = ""
	}
	if session == "" {
		session = n.detect(ctx)
	}
	if session == "" {
		n.logger.Debug("no operator session found, assistance stays stored")
		return false
	}
	if err := n.mux.SendPrompt(ctx, session, message); err != nil {
		n.logger.WithError(err).Warn("failed to write to operator session", zap.String("session", session))
		return false
	}
	n.logger.Info("delivered to operator session", zap.String("session", session), zap.String("urgency", urgency))
	return true
}

// detect picks the first live session that is not an agent session.
func (n *TmuxAdminNotifier) detect(ctx context.Context) string {
	sessions, err := n.mux.ListSessions(ctx)
	if err != nil {
		return ""
	}
	for _, name := range sessions {
		if n.agentSuffix != "" && strings.HasSuffix(name, n.agentSuffix) {
			continue
		}
		return name
	}
	return ""
}
