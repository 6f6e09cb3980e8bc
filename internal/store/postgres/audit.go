package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/store"
)

// AuditLogRepo implements store.AuditLogRepository with sqlx.
type AuditLogRepo struct {
	q   sqlx.ExtContext
	clk clock.Clock
}

func (r *AuditLogRepo) Add(ctx context.Context, actorID int64, actorName, description string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO audit_log (actor_id, actor_name, description, created_at)
		 VALUES ($1, $2, $3, $4)`,
		actorID, actorName, description, r.clk.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adding audit entry: %w", err)
	}
	return nil
}

func (r *AuditLogRepo) List(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	var entries []store.AuditEntry
	err := sqlx.SelectContext(ctx, r.q, &entries,
		`SELECT * FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}
