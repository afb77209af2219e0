package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/common/tracing"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/filelock"
	"github.com/agentmux/agentmux/internal/mcpserver"
	"github.com/agentmux/agentmux/internal/mcpserver/session"
	"github.com/agentmux/agentmux/internal/memory"
	"github.com/agentmux/agentmux/internal/messaging"
	"github.com/agentmux/agentmux/internal/rag"
	"github.com/agentmux/agentmux/internal/rag/vecindex"
	"github.com/agentmux/agentmux/internal/task"
	"github.com/agentmux/agentmux/internal/tmux"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentmux coordination server...",
		zap.String("project_dir", cfg.Project.Dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Prepare the state directory and open the database.
	// One writer connection serializes mutations; a reader pool serves
	// concurrent SELECTs through WAL snapshots.
	if err := os.MkdirAll(cfg.Project.StatePath(), 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err))
	}
	database, err := db.Open(cfg.Project.DatabasePath())
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	reader, err := db.OpenReader(cfg.Project.DatabasePath())
	if err != nil {
		log.Fatal("Failed to open read pool", zap.Error(err))
	}
	pool := db.NewPool(database, reader)
	defer func() { _ = pool.Close() }()

	// 4. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// 5. Stores
	auditStore, err := audit.NewStore(database)
	if err != nil {
		log.Fatal("Failed to initialize audit store", zap.Error(err))
	}
	agentStore, err := agent.NewStore(database)
	if err != nil {
		log.Fatal("Failed to initialize agent store", zap.Error(err))
	}
	taskStore, err := task.NewStore(database)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	messageStore, err := messaging.NewStore(database)
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}
	memoryService, err := memory.NewService(database)
	if err != nil {
		log.Fatal("Failed to initialize memory service", zap.Error(err))
	}
	ragStore, err := rag.NewStore(database)
	if err != nil {
		log.Fatal("Failed to initialize rag store", zap.Error(err))
	}

	// 6. Auth: mint or pin the admin token
	authSvc := auth.NewService(cfg.Auth.AdminToken, agentStore)
	log.Info("Admin token ready", zap.String("admin_token", authSvc.AdminToken()))
	fmt.Printf("agentmux admin token: %s\n", authSvc.AdminToken())

	// 7. Vector index: probe the extension, reconcile the dimension
	vecAvailable := vecindex.Probe()
	if vecAvailable {
		migrated, err := rag.EnsureDimension(ctx, database, ragStore, cfg.RAG.EmbeddingDimension, eventBus, log)
		if err != nil {
			log.Fatal("Failed to reconcile embedding dimension", zap.Error(err))
		}
		if migrated {
			log.Warn("Embedding dimension changed; the index was dropped and will rebuild",
				zap.Int("dimension", cfg.RAG.EmbeddingDimension))
		}
	} else {
		log.Warn("sqlite-vec unavailable; retrieval tools will return errors")
	}

	// 8. Embedding provider
	var embedder rag.Embedder
	if cfg.RAG.Provider == "openai" && cfg.RAG.APIKey != "" {
		embedder, err = rag.NewOpenAIEmbedder(cfg.RAG)
		if err != nil {
			log.Fatal("Failed to initialize embedding provider", zap.Error(err))
		}
	} else {
		log.Warn("No embedding provider configured; indexing is disabled")
	}

	// 9. Tmux adapter
	mux := tmux.New(cfg.Tmux, tmux.ExecRunner{}, log)
	if !mux.Available(ctx) {
		log.Warn("tmux binary not responding; agent sessions will fail to launch")
	}

	// 10. Domain services
	serverURL := fmt.Sprintf("http://localhost:%d/mcp", cfg.Server.Port)
	taskService := task.NewService(taskStore, agentStore, auditStore, eventBus, log)
	agentManager := agent.NewManager(agentStore, taskService, auditStore, authSvc,
		mux, eventBus, cfg.Agent, cfg.Tmux, serverURL, log)

	lockArbiter, err := filelock.NewArbiter(database, agentManager, auditStore, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize file lock arbiter", zap.Error(err))
	}

	adminNotifier := messaging.NewTmuxAdminNotifier(mux, cfg.Tmux.AdminSession,
		"-"+authSvc.AdminSuffix(), log)
	messageBus := messaging.NewBus(messageStore, auditStore, agentManager, mux,
		adminNotifier, eventBus, log)

	ragEngine := rag.NewEngine(ragStore, pool.Reader(), embedder, vecAvailable, cfg.RAG.TopK, log)

	sessionManager, err := session.NewManager(database, cfg.Session, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}

	// 11. Capability gate
	gate, err := capability.Load(ctx, memoryService, cfg.Tools.Mode, cfg.Tools.Categories)
	if err != nil {
		log.Fatal("Failed to load tool categories", zap.Error(err))
	}
	for _, warning := range gate.Warnings() {
		log.Warn("Tool category warning", zap.String("warning", warning))
	}

	// 12. MCP server
	srv := mcpserver.New(cfg.Server, &mcpserver.Deps{
		Auth:     authSvc,
		Agents:   agentManager,
		Tasks:    taskService,
		Locks:    lockArbiter,
		Messages: messageBus,
		Rag:      ragEngine,
		Memory:   memoryService,
		Actions:  auditStore,
		Sessions: sessionManager,
		Gate:     gate,
		EventBus: eventBus,
		Logger:   log,
	})
	if err := srv.Start(ctx); err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}
	log.Info("MCP server started", zap.Int("port", srv.Port()))

	// 13. Background loops: indexer and session reaper
	group, groupCtx := errgroup.WithContext(ctx)
	if embedder != nil && vecAvailable {
		indexer := rag.NewIndexer(ragStore, database, memoryService, taskStore,
			embedder, cfg.RAG, cfg.Project.Dir, eventBus, log)
		group.Go(func() error {
			indexer.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		sessionManager.RunReaper(groupCtx)
		return nil
	})

	// 14. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))
	cancel()
	_ = group.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("MCP server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
