// Package store persists conversation transcripts.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/config"
)

// Recorder stores and replays transcripts.
type Recorder interface {
	RecordMessage(ctx context.Context, conversationID string, msg schemas.Message) error
	Transcript(ctx context.Context, conversationID string) ([]schemas.Message, error)
	Close() error
}

var (
	_ Recorder = (*PostgresStore)(nil)
	_ Recorder = (*SQLiteStore)(nil)
)

// Open returns the recorder selected by cfg.Driver, or nil when persistence
// is disabled.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Recorder, error) {
	switch cfg.Driver {
	case "":
		logger.Info("Transcript persistence disabled.")
		return nil, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Database connection established successfully.", zap.String("driver", cfg.Driver))
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.URL, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Database opened successfully.", zap.String("driver", cfg.Driver))
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
