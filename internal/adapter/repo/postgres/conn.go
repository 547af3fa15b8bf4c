// Package postgres implements the Store ports on PostgreSQL via pgx.
//
// Every status-bearing update is CAS-guarded in SQL so that terminal
// transitions racing a cancellation lose cleanly with ErrConflict instead
// of resurrecting finished work.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/histoseg/platform/internal/config"
)

// NewPool creates a pgx connection pool from the provided config.
// Acquisition is FIFO-fair and bounded by MaxConns; per-acquire waits are
// capped by the caller's context (the composition root wires
// DB_ACQUIRE_TIMEOUT into engine contexts).
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pc.MinConns = int32(cfg.DBPoolSize)
	pc.MaxConns = int32(cfg.DBMaxPoolSize)
	if cfg.DBConnLimit > 0 && int32(cfg.DBConnLimit) < pc.MaxConns {
		pc.MaxConns = int32(cfg.DBConnLimit)
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.HealthCheckPeriod = 30 * time.Second
	pc.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
