// Package postgres implements the store interfaces with sqlx over lib/pq.
package postgres

import (
	"context"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/config"
	"github.com/guildops/sanity-tracker/internal/store"
)

func init() {
	store.Register("postgres", open)
}

// open is the store.Driver for the "postgres" backend.
func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store.Repositories{
		Store:  NewStore(db, clk),
		Closer: db,
		Ping:   db.PingContext,
	}, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN()

	// Register the OTel-instrumented driver wrapping lib/pq.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("registering otel driver: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// queries binds the repository set to either the pool or one transaction.
type queries struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (s *queries) Players() store.PlayerRepository           { return &PlayerRepo{q: s.q, clk: s.clk} }
func (s *queries) PointHistory() store.PointHistoryRepository { return &PointHistoryRepo{q: s.q} }
func (s *queries) LootHistory() store.LootHistoryRepository   { return &LootHistoryRepo{q: s.q} }
func (s *queries) ImportLogs() store.ImportLogRepository      { return &ImportLogRepo{q: s.q, clk: s.clk} }
func (s *queries) Audit() store.AuditLogRepository            { return &AuditLogRepo{q: s.q, clk: s.clk} }

// Store implements store.Store over an sqlx connection pool.
type Store struct {
	queries
	db *sqlx.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *sqlx.DB, clk clock.Clock) *Store {
	return &Store{queries: queries{q: db, clk: clk}, db: db}
}

// WithLockedTx runs fn inside a transaction that holds an exclusive lock on
// the three mutable tables. The lock serializes imports, decay runs and
// restores across all processes sharing the database; it is released when
// the transaction commits or rolls back.
func (s *Store) WithLockedTx(ctx context.Context, fn func(tx store.TxStore) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`LOCK TABLE players, point_history, loot_history IN ACCESS EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("locking tables: %w", err)
	}

	if err := fn(&queries{q: tx, clk: s.clk}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
