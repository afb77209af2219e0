// Package vecindex wraps the sqlite-vec virtual table holding chunk
// embeddings. Row ids are shared with the chunk table; the index never
// stores anything but vectors.
package vecindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/jmoiron/sqlx"

	"github.com/agentmux/agentmux/internal/db"
)

// TableName is the embeddings virtual table.
const TableName = "rag_embeddings"

// ErrUnavailable is returned when the vector extension did not load.
var ErrUnavailable = errors.New("vector index unavailable: sqlite-vec extension not loaded")

// Hit is one nearest-neighbour result.
type Hit struct {
	RowID    int64
	Distance float64
}

// Probe checks that the vec0 module works by creating a throwaway virtual
// table on an in-memory database. Called once at startup; the result gates
// every RAG tool.
func Probe() bool {
	mem, err := db.OpenMemory()
	if err != nil {
		return false
	}
	defer func() { _ = mem.Close() }()
	_, err = mem.Exec(`CREATE VIRTUAL TABLE probe_vec USING vec0(embedding float[4])`)
	return err == nil
}

// Create creates the embeddings table at the given dimension.
func Create(ctx context.Context, e sqlx.ExtContext, dim int) error {
	_, err := e.ExecContext(ctx, fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d])`, TableName, dim))
	if err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

// Drop removes the embeddings table.
func Drop(ctx context.Context, e sqlx.ExtContext) error {
	if _, err := e.ExecContext(ctx, `DROP TABLE IF EXISTS `+TableName); err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	return nil
}

var dimPattern = regexp.MustCompile(`float\[(\d+)\]`)

// DeclaredDim parses the persisted table definition and returns its
// dimension, or 0 when the table does not exist.
func DeclaredDim(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var definition string
	err := q.QueryRowxContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, TableName).Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read vector table definition: %w", err)
	}
	match := dimPattern.FindStringSubmatch(definition)
	if match == nil {
		return 0, fmt.Errorf("vector table definition carries no dimension: %s", definition)
	}
	dim, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, err
	}
	return dim, nil
}

// Insert stores one embedding at the chunk's row id.
func Insert(ctx context.Context, e sqlx.ExtContext, rowID int64, vector []float32) error {
	serialized, err := sqlitevec.SerializeFloat32(vector)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	_, err = e.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (rowid, embedding) VALUES (?, ?)`, TableName), rowID, serialized)
	if err != nil {
		return fmt.Errorf("failed to insert embedding %d: %w", rowID, err)
	}
	return nil
}

// DeleteAll clears the index.
func DeleteAll(ctx context.Context, e sqlx.ExtContext) error {
	if _, err := e.ExecContext(ctx, `DELETE FROM `+TableName); err != nil {
		return fmt.Errorf("failed to clear vector table: %w", err)
	}
	return nil
}

// DeleteIDs removes the embeddings at the given row ids.
func DeleteIDs(ctx context.Context, e sqlx.ExtContext, rowIDs []int64) error {
	for _, id := range rowIDs {
		if _, err := e.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, TableName), id); err != nil {
			return fmt.Errorf("failed to delete embedding %d: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of stored embeddings.
func Count(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var n int
	if err := q.QueryRowxContext(ctx, `SELECT COUNT(*) FROM `+TableName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// Search returns the k nearest neighbours of the query vector.
func Search(ctx context.Context, q sqlx.QueryerContext, query []float32, k int) ([]Hit, error) {
	serialized, err := sqlitevec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}
	rows, err := q.QueryxContext(ctx,
		fmt.Sprintf(`SELECT rowid, distance FROM %s WHERE embedding MATCH ? AND k = ? ORDER BY distance`, TableName),
		serialized, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.RowID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
