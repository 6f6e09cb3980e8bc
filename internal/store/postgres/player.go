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

// PlayerRepo implements store.PlayerRepository with sqlx.
type PlayerRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *PlayerRepo) Get(ctx context.Context, name string) (*store.Player, error) {
	var p store.Player
	err := sqlx.GetContext(ctx, r.q, &p, `SELECT * FROM players WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting player %q: %w", name, err)
	}
	return &p, nil
}

func (r *PlayerRepo) List(ctx context.Context) ([]store.Player, error) {
	var players []store.Player
	err := sqlx.SelectContext(ctx, r.q, &players, `SELECT * FROM players ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	return players, nil
}

func (r *PlayerRepo) Upsert(ctx context.Context, p *store.Player) error {
	now := r.clk.Now().UTC()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO players (name, class_id, points, account_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE
		 SET class_id = EXCLUDED.class_id,
		     points = EXCLUDED.points,
		     account_id = EXCLUDED.account_id,
		     updated_at = EXCLUDED.updated_at`,
		p.Name, p.ClassID, p.Points, p.AccountID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting player %q: %w", p.Name, err)
	}
	return nil
}

func (r *PlayerRepo) Delete(ctx context.Context, name string) error {
	result, err := r.q.ExecContext(ctx, `DELETE FROM players WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting player %q: %w", name, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
