package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/memory"
	"github.com/agentmux/agentmux/internal/rag/vecindex"
	"github.com/agentmux/agentmux/internal/task"
)

// codeExtensions are the source files the codefile source indexes.
var codeExtensions = map[string]bool{
	".go": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".c": true,
	".h": true, ".cpp": true, ".cs": true, ".sh": true, ".sql": true,
	".yaml": true, ".yml": true, ".toml": true,
}

// skipDirs are never walked.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".agentmux": true,
	"dist": true, "build": true, "__pycache__": true,
}

// Indexer is the background pipeline that keeps the chunk and embedding
// tables in sync with the sources. Per-item failures are swallowed; the
// item's hash or watermark stays behind and the next pass retries.
type Indexer struct {
	store    *Store
	database *sqlx.DB
	memory   *memory.Service
	tasks    *task.Store
	embedder Embedder
	cfg      config.RAGConfig
	project  string
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewIndexer creates the background indexer.
func NewIndexer(store *Store, database *sqlx.DB, mem *memory.Service, tasks *task.Store,
	embedder Embedder, cfg config.RAGConfig, projectDir string, eventBus bus.EventBus,
	log *logger.Logger) *Indexer {
	return &Indexer{
		store:    store,
		database: database,
		memory:   mem,
		tasks:    tasks,
		embedder: embedder,
		cfg:      cfg,
		project:  projectDir,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "rag-indexer")),
	}
}

// Run executes passes on the configured interval until the context ends.
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.IndexInterval())
	defer ticker.Stop()

	ix.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.pass(ctx)
		}
	}
}

// pass runs one incremental pass over every source type.
func (ix *Indexer) pass(ctx context.Context) {
	started := time.Now().UTC()
	indexed := 0

	indexed += ix.passFiles(ctx, SourceMarkdown)
	indexed += ix.passFiles(ctx, SourceCodeFile)
	indexed += ix.passEntries(ctx, SourceContext)
	indexed += ix.passEntries(ctx, SourceFileMeta)
	indexed += ix.passTasks(ctx)

	if indexed > 0 {
		ix.logger.Info("index pass complete", zap.Int("items", indexed),
			zap.Duration("took", time.Since(started)))
		if ix.eventBus != nil {
			event := bus.NewEvent(events.RagIndexed, "rag-indexer", map[string]any{"items": indexed})
			if err := ix.eventBus.Publish(ctx, events.RagIndexed, event); err != nil {
				ix.logger.WithError(err).Warn("failed to publish index event")
			}
		}
	}
}

// passFiles indexes markdown or code files whose content hash changed.
func (ix *Indexer) passFiles(ctx context.Context, sourceType SourceType) int {
	indexed := 0
	err := filepath.WalkDir(ix.project, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") && d.Name() != "." && path != ix.project {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch sourceType {
		case SourceMarkdown:
			if ext != ".md" {
				return nil
			}
		case SourceCodeFile:
			if !codeExtensions[ext] {
				return nil
			}
		}

		content, err := os.ReadFile(path)
		if err != nil || len(content) == 0 {
			return nil
		}
		sum := sha256.Sum256(content)
		hash := hex.EncodeToString(sum[:])
		recorded, err := ix.store.Hash(ctx, path)
		if err != nil || recorded == hash {
			return nil
		}

		var chunks []string
		if sourceType == SourceMarkdown {
			chunks = ChunkMarkdown(string(content))
		} else {
			chunks = ChunkCode(string(content))
		}
		metadata, _ := json.Marshal(map[string]string{"path": path})
		if err := ix.reindexRef(ctx, sourceType, path, chunks, metadata); err != nil {
			ix.logger.WithError(err).Warn("failed to index file", zap.String("path", path))
			return nil
		}
		if err := ix.store.SetHash(ctx, nil, path, hash); err != nil {
			ix.logger.WithError(err).Warn("failed to record hash", zap.String("path", path))
			return nil
		}
		indexed++
		return nil
	})
	if err != nil {
		ix.logger.WithError(err).Warn("file walk failed", zap.String("source", string(sourceType)))
	}
	if indexed > 0 {
		if err := ix.store.SetWatermark(ctx, nil, sourceType, time.Now().UTC()); err != nil {
			ix.logger.WithError(err).Warn("failed to update watermark", zap.String("source", string(sourceType)))
		}
	}
	return indexed
}

// passEntries indexes key-value entries newer than the source watermark.
func (ix *Indexer) passEntries(ctx context.Context, sourceType SourceType) int {
	watermark, err := ix.store.Watermark(ctx, sourceType)
	if err != nil {
		ix.logger.WithError(err).Warn("failed to read watermark", zap.String("source", string(sourceType)))
		return 0
	}

	var entries []*memory.Entry
	if sourceType == SourceContext {
		entries, err = ix.memory.ProjectContextSince(ctx, watermark)
	} else {
		entries, err = ix.memory.FileMetadataSince(ctx, watermark)
	}
	if err != nil {
		ix.logger.WithError(err).Warn("failed to enumerate entries", zap.String("source", string(sourceType)))
		return 0
	}

	indexed := 0
	latest := watermark
	for _, e := range entries {
		text := e.Key + "\n" + e.Value
		if e.Description != "" {
			text = e.Key + "\n" + e.Description + "\n" + e.Value
		}
		metadata, _ := json.Marshal(map[string]string{"key": e.Key, "updated_by": e.UpdatedBy})
		if err := ix.reindexRef(ctx, sourceType, e.Key, ChunkMarkdown(text), metadata); err != nil {
			ix.logger.WithError(err).Warn("failed to index entry", zap.String("key", e.Key))
			continue
		}
		indexed++
		if e.LastUpdated.After(latest) {
			latest = e.LastUpdated
		}
	}
	if indexed > 0 {
		if err := ix.store.SetWatermark(ctx, nil, sourceType, latest); err != nil {
			ix.logger.WithError(err).Warn("failed to update watermark", zap.String("source", string(sourceType)))
		}
	}
	return indexed
}

// passTasks indexes task bodies newer than the task watermark.
func (ix *Indexer) passTasks(ctx context.Context) int {
	watermark, err := ix.store.Watermark(ctx, SourceTask)
	if err != nil {
		ix.logger.WithError(err).Warn("failed to read task watermark")
		return 0
	}
	tasks, err := ix.tasks.UpdatedSince(ctx, watermark)
	if err != nil {
		ix.logger.WithError(err).Warn("failed to enumerate tasks")
		return 0
	}

	indexed := 0
	latest := watermark
	for _, t := range tasks {
		var sb strings.Builder
		sb.WriteString(t.Title)
		sb.WriteString("\n")
		sb.WriteString(t.Description)
		for _, note := range t.Notes {
			sb.WriteString("\n")
			sb.Write(note)
		}
		metadata, _ := json.Marshal(map[string]string{
			"task_id": t.TaskID, "status": string(t.Status), "assigned_to": t.AssignedTo,
		})
		if err := ix.reindexRef(ctx, SourceTask, t.TaskID, ChunkMarkdown(sb.String()), metadata); err != nil {
			ix.logger.WithError(err).Warn("failed to index task", zap.String("task_id", t.TaskID))
			continue
		}
		indexed++
		if t.UpdatedAt.After(latest) {
			latest = t.UpdatedAt
		}
	}
	if indexed > 0 {
		if err := ix.store.SetWatermark(ctx, nil, SourceTask, latest); err != nil {
			ix.logger.WithError(err).Warn("failed to update task watermark")
		}
	}
	return indexed
}

// reindexRef replaces every chunk and embedding for one source ref.
// Embeddings are requested outside the transaction; the row writes are one
// transaction, embeddings deleted before chunks.
func (ix *Indexer) reindexRef(ctx context.Context, sourceType SourceType, ref string, chunks []string, metadata json.RawMessage) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := ix.embedder.Embed(ctx, chunks)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	return db.WithTx(ctx, ix.database, func(tx *sqlx.Tx) error {
		stale, err := ix.store.ChunkIDsForRef(ctx, tx, sourceType, ref)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			if err := vecindex.DeleteIDs(ctx, tx, stale); err != nil {
				return err
			}
			if err := ix.store.DeleteChunksTx(ctx, tx, stale); err != nil {
				return err
			}
		}
		for i, text := range chunks {
			id, err := ix.store.InsertChunkTx(ctx, tx, &Chunk{
				SourceType: sourceType,
				SourceRef:  ref,
				ChunkText:  text,
				Metadata:   metadata,
			})
			if err != nil {
				return err
			}
			if err := vecindex.Insert(ctx, tx, id, vectors[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
