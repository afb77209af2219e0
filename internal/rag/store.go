// Package rag implements the retrieval substrate: chunk storage, the
// incremental indexing pipeline, and the query front end over the vector
// index.
package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SourceType classifies where a chunk came from.
type SourceType string

const (
	SourceMarkdown SourceType = "markdown"
	SourceContext  SourceType = "context"
	SourceFileMeta SourceType = "filemeta"
	SourceCodeFile SourceType = "codefile"
	SourceTask     SourceType = "task"
)

// SourceTypes lists every source in indexing order.
var SourceTypes = []SourceType{SourceMarkdown, SourceCodeFile, SourceContext, SourceFileMeta, SourceTask}

// Chunk is one unit of indexed text. Its id is shared with the embedding
// row in the vector table.
type Chunk struct {
	ID         int64           `db:"id" json:"id"`
	SourceType SourceType      `db:"source_type" json:"source_type"`
	SourceRef  string          `db:"source_ref" json:"source_ref"`
	ChunkText  string          `db:"chunk_text" json:"chunk_text"`
	Metadata   json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	IndexedAt  time.Time       `db:"indexed_at" json:"indexed_at"`
}

// epoch is the reset value for watermarks, rendered "1970-01-01T00:00:00Z".
var epoch = time.Unix(0, 0).UTC()

// Meta key prefixes.
const (
	hashKeyPrefix      = "hash_"
	watermarkKeyPrefix = "last_indexed_"
)

// Store persists chunks and the rag_meta watermarks and hashes.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the RAG store and its schema. The vector table is
// managed separately by the dimension check.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize rag schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rag_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_type TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		chunk_text TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		indexed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source_type, source_ref);

	CREATE TABLE IF NOT EXISTS rag_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for cross-store transactions.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// InsertChunkTx writes a chunk and returns its row id.
func (s *Store) InsertChunkTx(ctx context.Context, tx *sqlx.Tx, c *Chunk) (int64, error) {
	metadata := "{}"
	if len(c.Metadata) > 0 {
		metadata = string(c.Metadata)
	}
	c.IndexedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO rag_chunks (source_type, source_ref, chunk_text, metadata, indexed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.SourceType, c.SourceRef, c.ChunkText, metadata, c.IndexedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk for %s: %w", c.SourceRef, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// ChunkIDsForRef returns the chunk ids stored for one source ref.
func (s *Store) ChunkIDsForRef(ctx context.Context, q sqlx.QueryerContext, sourceType SourceType, sourceRef string) ([]int64, error) {
	if q == nil {
		q = s.db
	}
	rows, err := q.QueryxContext(ctx,
		`SELECT id FROM rag_chunks WHERE source_type = ? AND source_ref = ?`, sourceType, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk ids for %s: %w", sourceRef, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunksTx removes the chunk rows with the given ids. Callers must
// delete the matching embeddings first.
func (s *Store) DeleteChunksTx(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete chunk %d: %w", id, err)
		}
	}
	return nil
}

// GetChunks fetches chunks by id, preserving the requested order.
func (s *Store) GetChunks(ctx context.Context, ids []int64) ([]*Chunk, error) {
	chunks := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		var c Chunk
		var metadata string
		err := s.db.QueryRowxContext(ctx,
			`SELECT id, source_type, source_ref, chunk_text, metadata, indexed_at FROM rag_chunks WHERE id = ?`,
			id).Scan(&c.ID, &c.SourceType, &c.SourceRef, &c.ChunkText, &metadata, &c.IndexedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to fetch chunk %d: %w", id, err)
		}
		c.Metadata = json.RawMessage(metadata)
		chunks = append(chunks, &c)
	}
	return chunks, nil
}

// CountChunks returns chunk counts grouped by source type.
func (s *Store) CountChunks(ctx context.Context) (map[SourceType]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_type, COUNT(*) FROM rag_chunks GROUP BY source_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[SourceType]int)
	for rows.Next() {
		var st SourceType
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// MetaGet returns the rag_meta value for a key, or "" when absent.
func (s *Store) MetaGet(ctx context.Context, q sqlx.QueryerContext, key string) (string, error) {
	if q == nil {
		q = s.db
	}
	var value string
	err := q.QueryRowxContext(ctx, `SELECT value FROM rag_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read rag_meta %q: %w", key, err)
	}
	return value, nil
}

// MetaSet upserts a rag_meta key.
func (s *Store) MetaSet(ctx context.Context, e sqlx.ExtContext, key, value string) error {
	if e == nil {
		e = s.db
	}
	_, err := e.ExecContext(ctx,
		`INSERT INTO rag_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set rag_meta %q: %w", key, err)
	}
	return nil
}

// Hash returns the recorded content hash for a ref, or "".
func (s *Store) Hash(ctx context.Context, ref string) (string, error) {
	return s.MetaGet(ctx, nil, hashKeyPrefix+ref)
}

// SetHash records the content hash for a ref.
func (s *Store) SetHash(ctx context.Context, e sqlx.ExtContext, ref, hash string) error {
	return s.MetaSet(ctx, e, hashKeyPrefix+ref, hash)
}

// Watermark returns the last_indexed timestamp for a source type. A
// missing or unparsable value reads as epoch.
func (s *Store) Watermark(ctx context.Context, sourceType SourceType) (time.Time, error) {
	value, err := s.MetaGet(ctx, nil, watermarkKeyPrefix+string(sourceType))
	if err != nil {
		return time.Time{}, err
	}
	if value == "" {
		return epoch, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return epoch, nil
	}
	return ts, nil
}

// SetWatermark records the last_indexed timestamp for a source type.
func (s *Store) SetWatermark(ctx context.Context, e sqlx.ExtContext, sourceType SourceType, ts time.Time) error {
	return s.MetaSet(ctx, e, watermarkKeyPrefix+string(sourceType), ts.UTC().Format(time.RFC3339))
}

// Watermarks returns every last_indexed_* entry.
func (s *Store) Watermarks(ctx context.Context) (map[string]string, error) {
	return s.metaByPrefix(ctx, watermarkKeyPrefix)
}

func (s *Store) metaByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM rag_meta WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list rag_meta by prefix %q: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
