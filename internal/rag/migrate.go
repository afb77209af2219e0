package rag

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/rag/vecindex"
)

// EnsureDimension verifies at boot that the persisted vector table matches
// the configured dimension, migrating when it does not. The migration is
// one transaction: embeddings deleted, table dropped, every hash forgotten,
// every watermark reset to epoch, table recreated. Chunk rows survive; the
// indexer re-embeds everything on its next pass because the watermarks are
// reset.
//
// Returns whether a migration ran.
func EnsureDimension(ctx context.Context, database *sqlx.DB, store *Store, dim int,
	eventBus bus.EventBus, log *logger.Logger) (bool, error) {
	if dim <= 0 {
		return false, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}

	declared, err := vecindex.DeclaredDim(ctx, database)
	if err != nil {
		return false, err
	}
	if declared == dim {
		return false, nil
	}
	if declared == 0 {
		if err := vecindex.Create(ctx, database, dim); err != nil {
			return false, err
		}
		log.Info("vector table created", zap.Int("dimension", dim))
		return false, nil
	}

	var migratedRows int
	err = db.WithTx(ctx, database, func(tx *sqlx.Tx) error {
		migratedRows, err = vecindex.Count(ctx, tx)
		if err != nil {
			return err
		}
		if err := vecindex.DeleteAll(ctx, tx); err != nil {
			return err
		}
		if err := vecindex.Drop(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rag_meta WHERE key LIKE ?`, hashKeyPrefix+"%"); err != nil {
			return fmt.Errorf("failed to forget content hashes: %w", err)
		}
		for _, sourceType := range SourceTypes {
			if err := store.SetWatermark(ctx, tx, sourceType, epoch); err != nil {
				return err
			}
		}
		return vecindex.Create(ctx, tx, dim)
	})
	if err != nil {
		return false, fmt.Errorf("dimension migration %d -> %d failed: %w", declared, dim, err)
	}

	if eventBus != nil {
		event := bus.NewEvent(events.RagMigrated, "rag", map[string]any{
			"from_dimension": declared,
			"to_dimension":   dim,
			"dropped_rows":   migratedRows,
		})
		if err := eventBus.Publish(ctx, events.RagMigrated, event); err != nil {
			log.WithError(err).Warn("failed to publish migration event")
		}
	}
	log.Info("vector dimension migrated",
		zap.Int("from", declared), zap.Int("to", dim), zap.Int("dropped_rows", migratedRows))
	return true, nil
}
