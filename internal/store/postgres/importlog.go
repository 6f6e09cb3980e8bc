package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/store"
)

// ImportLogRepo implements store.ImportLogRepository with sqlx.
type ImportLogRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *ImportLogRepo) Create(ctx context.Context, l *store.ImportLog) error {
	l.CreatedAt = r.clk.Now().UTC()
	row := r.q.QueryRowxContext(ctx,
		`INSERT INTO import_logs (user_id, data, created_at) VALUES ($1, $2, $3) RETURNING id`,
		l.UserID, l.Data, l.CreatedAt,
	)
	if err := row.Scan(&l.ID); err != nil {
		return fmt.Errorf("creating import log: %w", err)
	}
	return nil
}

func (r *ImportLogRepo) Get(ctx context.Context, id int64) (*store.ImportLog, error) {
	var l store.ImportLog
	err := sqlx.GetContext(ctx, r.q, &l, `SELECT * FROM import_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting import log %d: %w", id, err)
	}
	return &l, nil
}

func (r *ImportLogRepo) List(ctx context.Context, limit int) ([]store.ImportLog, error) {
	var logs []store.ImportLog
	err := sqlx.SelectContext(ctx, r.q, &logs,
		`SELECT * FROM import_logs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing import logs: %w", err)
	}
	return logs, nil
}
