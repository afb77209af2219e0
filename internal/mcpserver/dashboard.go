package mcpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/task"
)

// The dashboard API is read only. Mutations go through the MCP tools so the
// audit trail stays complete.

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "agentmux",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.deps.Agents.List(c.Request.Context(), agent.ListFilter{
		Status: agent.Status(c.Query("status")),
		Kind:   agent.Kind(c.Query("kind")),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.deps.Tasks.List(c.Request.Context(), task.ListFilter{
		Status:         task.Status(c.Query("status")),
		AssignedTo:     c.Query("assigned_to"),
		UnassignedOnly: c.Query("unassigned") == "true",
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleListLocks(c *gin.Context) {
	locks, err := s.deps.Locks.ActiveLocks(c.Request.Context(), c.Query("agent_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks, "count": len(locks)})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.deps.Sessions.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleRagStatus(c *gin.Context) {
	status, err := s.deps.Rag.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventSocket streams bus events to a websocket client. The optional
// subject query narrows the subscription; default is everything. The
// "messages" shorthand expands to the stored-message feed across all
// recipients.
func (s *Server) handleEventSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	subject := c.DefaultQuery("subject", ">")
	if subject == "messages" {
		subject = events.BuildMessageWildcardSubject(events.MessageStored)
	}

	events := make(chan *bus.Event, 64)
	sub, err := s.deps.EventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		select {
		case events <- event:
		default:
			// Slow consumer; drop rather than block publishers.
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Warn("event subscription failed", zap.String("subject", subject))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Reader goroutine detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event := <-events:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
