package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/guildops/sanity-tracker/internal/store"
)

// PointHistoryRepo implements store.PointHistoryRepository with sqlx.
type PointHistoryRepo struct {
	q sqlx.ExtContext
}

func (r *PointHistoryRepo) Since(ctx context.Context, ts int64) ([]store.PointHistoryEntry, error) {
	var entries []store.PointHistoryEntry
	err := sqlx.SelectContext(ctx, r.q, &entries,
		`SELECT * FROM point_history WHERE ts >= $1 ORDER BY ts ASC, guid ASC`, ts)
	if err != nil {
		return nil, fmt.Errorf("loading point history since %d: %w", ts, err)
	}
	return entries, nil
}

func (r *PointHistoryRepo) Insert(ctx context.Context, e store.PointHistoryEntry) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO point_history (guid, ts, player_name, change, new_points, type, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.GUID, e.Timestamp, e.PlayerName, e.Change, e.NewPoints, e.Type, e.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting point history entry %s: %w", e.GUID, err)
	}
	return nil
}

func (r *PointHistoryRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM point_history`); err != nil {
		return 0, fmt.Errorf("counting point history: %w", err)
	}
	return n, nil
}

// LootHistoryRepo implements store.LootHistoryRepository with sqlx.
type LootHistoryRepo struct {
	q sqlx.ExtContext
}

func (r *LootHistoryRepo) Since(ctx context.Context, ts int64) ([]store.LootHistoryEntry, error) {
	var entries []store.LootHistoryEntry
	err := sqlx.SelectContext(ctx, r.q, &entries,
		`SELECT * FROM loot_history WHERE ts >= $1 ORDER BY ts ASC, guid ASC`, ts)
	if err != nil {
		return nil, fmt.Errorf("loading loot history since %d: %w", ts, err)
	}
	return entries, nil
}

func (r *LootHistoryRepo) Insert(ctx context.Context, e store.LootHistoryEntry) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loot_history (guid, ts, player_name, item_id, response)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.GUID, e.Timestamp, e.PlayerName, e.ItemID, e.Response,
	)
	if err != nil {
		return fmt.Errorf("inserting loot history entry %s: %w", e.GUID, err)
	}
	return nil
}

func (r *LootHistoryRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM loot_history`); err != nil {
		return 0, fmt.Errorf("counting loot history: %w", err)
	}
	return n, nil
}
