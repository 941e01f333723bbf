// Package store is the relational gateway for the ingestion pipeline.
// It exposes typed, idempotent write operations over a pgx connection
// pool. Every create is insert-or-ignore on URI; Postgres unique and
// foreign-key violations surface as ErrDuplicate and
// ErrMissingDependency so callers can route on them.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so the same query
// methods run inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries holds the typed operations bound to a DBTX.
type Queries struct {
	db DBTX
}

// New binds a Queries to the given connection source.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Store is the pool-backed gateway handed to the pipeline.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

// Config controls pool construction.
type Config struct {
	DSN            string
	PoolSize       int32
	AcquireTimeout time.Duration
}

// Connect builds the pgx pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.PoolSize > 0 {
		pc.MaxConns = cfg.PoolSize
	}
	if cfg.AcquireTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{Queries: New(pool), pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn inside a transaction. The pipeline wraps each commit
// operation in its own transaction so one failing op cannot poison
// sibling ops from the same commit.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
