// Package mcpserver exposes the coordinator over MCP: JSON-RPC tools on an
// HTTP POST channel plus an SSE channel for server-initiated notifications.
// Both transports share one tool registry, gated by the capability map.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/httpmw"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/filelock"
	"github.com/agentmux/agentmux/internal/mcpserver/session"
	"github.com/agentmux/agentmux/internal/memory"
	"github.com/agentmux/agentmux/internal/messaging"
	"github.com/agentmux/agentmux/internal/rag"
	"github.com/agentmux/agentmux/internal/task"
)

// Deps bundles every service the tool handlers reach.
type Deps struct {
	Auth     *auth.Service
	Agents   *agent.Manager
	Tasks    *task.Service
	Locks    *filelock.Arbiter
	Messages *messaging.Bus
	Rag      *rag.Engine
	Memory   *memory.Service
	Actions  *audit.Store
	Sessions *session.Manager
	Gate     capability.ToolCategories
	EventBus bus.EventBus
	Logger   *logger.Logger
}

// Server hosts the MCP transports and the dashboard API on one listener.
// Transports:
//   - SSE (/sse + /message) for clients that stream notifications,
//   - Streamable HTTP (/mcp) for single-endpoint clients.
type Server struct {
	cfg        config.ServerConfig
	deps       *Deps
	sseServer  *server.SSEServer
	httpStream *server.StreamableHTTPServer
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	port       int
	logger     *logger.Logger
}

// New creates the server. Tools are registered at Start.
func New(cfg config.ServerConfig, deps *Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start registers the gated tools, wires session persistence hooks, and
// begins serving. Returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"agentmux",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithHooks(s.sessionHooks()),
	)

	registered := registerTools(mcpServer, s.deps)
	s.logger.Info("registered MCP tools", zap.Int("count", registered))
	for _, warning := range s.deps.Gate.Warnings() {
		s.logger.Warn("capability dependency warning", zap.String("warning", warning))
	}

	s.sseServer = server.NewSSEServer(mcpServer)
	s.httpStream = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	router := s.buildRouter()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: 0, // SSE connections stay open
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.Int("port", s.port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildRouter assembles the gin router: MCP transports, health, the
// websocket event feed, and the read-only dashboard API.
func (s *Server) buildRouter() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.deps.Logger, "agentmux"))
	router.Use(httpmw.OtelTracing("agentmux"))

	router.Any("/sse", gin.WrapH(s.sseServer.SSEHandler()))
	router.Any("/message", gin.WrapH(s.sseServer.MessageHandler()))
	router.Any("/mcp", gin.WrapH(s.httpStream))

	router.GET("/health", s.handleHealth)
	router.GET("/ws/events", s.handleEventSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/agents", s.handleListAgents)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/locks", s.handleListLocks)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/rag/status", s.handleRagStatus)
	}
	return router
}

// sessionHooks persist transport sessions and keep heartbeats fresh.
func (s *Server) sessionHooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		if _, err := s.deps.Sessions.Connect(ctx, cs.SessionID()); err != nil {
			s.logger.WithError(err).Warn("failed to persist session", zap.String("session_id", cs.SessionID()))
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		// A transport drop starts the grace period; the reaper expires it.
		if err := s.deps.Sessions.Disconnect(ctx, cs.SessionID()); err != nil {
			s.logger.WithError(err).Warn("failed to mark session disconnected", zap.String("session_id", cs.SessionID()))
		}
	})
	hooks.AddBeforeAny(func(ctx context.Context, id any, method mcp.MCPMethod, message any) {
		if cs := server.ClientSessionFromContext(ctx); cs != nil {
			if err := s.deps.Sessions.Heartbeat(ctx, cs.SessionID()); err != nil {
				s.logger.WithError(err).Debug("heartbeat update failed")
			}
		}
	})
	return hooks
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.httpStream != nil {
		if err := s.httpStream.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// StreamableHTTPEndpoint is the URL registered with launched CLIs.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.port)
}
