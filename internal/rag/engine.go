package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/rag/vecindex"
)

// Engine is the query front end over the chunk store and vector index.
type Engine struct {
	store    *Store
	database *sqlx.DB
	embedder Embedder
	// available is the boot-time vector probe result. When false every
	// query returns a clear unavailable error.
	available bool
	topK      int
	logger    *logger.Logger
}

// NewEngine creates the query engine.
func NewEngine(store *Store, database *sqlx.DB, embedder Embedder, available bool, topK int, log *logger.Logger) *Engine {
	if topK <= 0 {
		topK = 5
	}
	return &Engine{
		store:     store,
		database:  database,
		embedder:  embedder,
		available: available,
		topK:      topK,
		logger:    log.WithFields(zap.String("component", "rag-engine")),
	}
}

// Available reports whether the vector index is usable.
func (e *Engine) Available() bool {
	return e.available && e.embedder != nil
}

// Citation is one retrieved snippet with its provenance.
type Citation struct {
	SourceType SourceType `json:"source_type"`
	SourceRef  string     `json:"source_ref"`
	Snippet    string     `json:"snippet"`
	Distance   float64    `json:"distance"`
}

// Answer is the assembled response to ask_project_rag. It never contains
// embedding vectors.
type Answer struct {
	Query     string     `json:"query"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// Ask embeds the query, retrieves the top K chunks, and assembles a cited
// answer block.
func (e *Engine) Ask(ctx context.Context, query string) (*Answer, error) {
	if query = strings.TrimSpace(query); query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !e.available {
		return nil, fmt.Errorf("%w; check that the extension is compiled in", vecindex.ErrUnavailable)
	}
	if e.embedder == nil {
		return nil, fmt.Errorf("retrieval unavailable: no embedding provider configured")
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval unavailable: embedding provider failed: %w", err)
	}

	hits, err := vecindex.Search(ctx, e.database, vectors[0], e.topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("no indexed content matched; the index may still be empty")
	}

	ids := make([]int64, len(hits))
	distances := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.RowID
		distances[h.RowID] = h.Distance
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	answer := &Answer{Query: query}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Top %d matches for: %s\n", len(chunks), query)
	for i, c := range chunks {
		citation := Citation{
			SourceType: c.SourceType,
			SourceRef:  c.SourceRef,
			Snippet:    c.ChunkText,
			Distance:   distances[c.ID],
		}
		answer.Citations = append(answer.Citations, citation)
		fmt.Fprintf(&sb, "\n[%d] %s: %s\n%s\n", i+1, c.SourceType, c.SourceRef, c.ChunkText)
	}
	answer.Text = sb.String()

	e.logger.Debug("rag query answered", zap.String("query", query), zap.Int("citations", len(answer.Citations)))
	return answer, nil
}

// Status describes the retrieval substrate for get_rag_status.
type Status struct {
	Available      bool               `json:"available"`
	EmbeddingModel string             `json:"embedding_model,omitempty"`
	Dimension      int                `json:"dimension"`
	ChunkCounts    map[SourceType]int `json:"chunk_counts"`
	EmbeddingRows  int                `json:"embedding_rows"`
	Watermarks     map[string]string  `json:"watermarks"`
}

// Status reports index availability, counts, and watermarks.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	status := &Status{Available: e.Available()}
	if e.embedder != nil {
		status.Dimension = e.embedder.Dimension()
	}

	counts, err := e.store.CountChunks(ctx)
	if err != nil {
		return nil, err
	}
	status.ChunkCounts = counts

	if e.available {
		rows, err := vecindex.Count(ctx, e.database)
		if err == nil {
			status.EmbeddingRows = rows
		}
	}

	watermarks, err := e.store.Watermarks(ctx)
	if err != nil {
		return nil, err
	}
	status.Watermarks = watermarks
	return status, nil
}
