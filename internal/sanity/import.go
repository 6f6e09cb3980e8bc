package sanity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildops/sanity-tracker/internal/codec"
	"github.com/guildops/sanity-tracker/internal/reconcile"
	"github.com/guildops/sanity-tracker/internal/schema"
	"github.com/guildops/sanity-tracker/internal/store"
)

// PlayerDiff is one player row in the import log: old is present only when
// the row existed before the import.
type PlayerDiff struct {
	Old *store.Player `json:"old,omitempty"`
	New store.Player  `json:"new"`
}

// PointDiff is one inserted point-history row in the import log.
type PointDiff struct {
	New store.PointHistoryEntry `json:"new"`
}

// LootDiff is one inserted loot-history row in the import log.
type LootDiff struct {
	New store.LootHistoryEntry `json:"new"`
}

// importDiff is the serialized ImportLog payload.
type importDiff struct {
	Players      []PlayerDiff `json:"players"`
	PointHistory []PointDiff  `json:"pointHistory"`
	LootHistory  []LootDiff   `json:"lootHistory"`
}

// ImportResult is what a successful import returns to the caller: the
// assigned import-log id and the applied diff.
type ImportResult struct {
	LogID        int64        `json:"logId"`
	Players      []PlayerDiff `json:"players"`
	PointHistory []PointDiff  `json:"pointHistory"`
	LootHistory  []LootDiff   `json:"lootHistory"`
	Warnings     []string     `json:"warnings,omitempty"`
}

// Import runs the full pipeline on a raw addon export string: decode,
// structure-check, reconcile against current state, then commit the
// change-set inside a locked transaction preceded by a backup. Input
// problems come back as user errors (see IsUserError) before anything is
// written; infrastructure failures roll everything back and come back as
// ErrInternal.
func (m *Manager) Import(ctx context.Context, raw string, actorID int64, actorName string) (*ImportResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Import",
		trace.WithAttributes(attribute.Int("input.bytes", len(raw))),
	)
	defer span.End()

	doc, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(doc, schema.Export); err != nil {
		return nil, err
	}

	var payload codec.Payload
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, &codec.DecodeError{Stage: "json", Err: err}
	}

	batch := toBatch(&payload)
	cs, err := m.engine.Reconcile(ctx, batch)
	if err != nil {
		if IsUserError(err) {
			return nil, err
		}
		m.logger.ErrorContext(ctx, "reconciliation failed", slog.Any("error", err))
		return nil, ErrInternal
	}

	diff := buildDiff(cs)
	logRow := &store.ImportLog{UserID: actorID}
	logRow.Data, err = json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("serializing import diff: %w", err)
	}

	err = m.store.WithLockedTx(ctx, func(tx store.TxStore) error {
		if _, err := m.backups.Snapshot(ctx, tx, payload.MinTimestamp*1000); err != nil {
			return fmt.Errorf("pre-import backup: %w", err)
		}

		// Players first: history rows reference them by name.
		for _, pc := range cs.Players {
			p := pc.New
			if err := tx.Players().Upsert(ctx, &p); err != nil {
				return err
			}
		}
		for _, l := range cs.LootHistory {
			if err := tx.LootHistory().Insert(ctx, l); err != nil {
				return err
			}
		}
		for _, e := range cs.PointHistory {
			if err := tx.PointHistory().Insert(ctx, e); err != nil {
				return err
			}
		}

		if err := tx.ImportLogs().Create(ctx, logRow); err != nil {
			return err
		}
		return tx.Audit().Add(ctx, actorID, actorName,
			fmt.Sprintf("Imported addon data: %d players, %d point entries, %d loot entries",
				len(cs.Players), len(cs.PointHistory), len(cs.LootHistory)))
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "import commit failed", slog.Any("error", err))
		return nil, ErrInternal
	}

	m.logger.InfoContext(ctx, "import applied",
		slog.Int64("log_id", logRow.ID),
		slog.Int("players", len(cs.Players)),
		slog.Int("point_entries", len(cs.PointHistory)),
		slog.Int("loot_entries", len(cs.LootHistory)),
		slog.Int("warnings", len(cs.Warnings)),
	)
	if !cs.Empty() {
		m.announcef(ctx, "%s imported addon data: %d players changed, %d point entries, %d loot entries",
			actorName, len(cs.Players), len(cs.PointHistory), len(cs.LootHistory))
	}

	return &ImportResult{
		LogID:        logRow.ID,
		Players:      diff.Players,
		PointHistory: diff.PointHistory,
		LootHistory:  diff.LootHistory,
		Warnings:     cs.Warnings,
	}, nil
}

// toBatch converts the wire payload to domain types. This is the only place
// the addon's second-precision timestamps become server milliseconds.
func toBatch(p *codec.Payload) *reconcile.Batch {
	b := &reconcile.Batch{}
	for _, wp := range p.Players {
		b.Players = append(b.Players, store.Player{
			Name:    wp.PlayerName,
			ClassID: wp.ClassID,
			Points:  wp.Points,
		})
	}
	for _, e := range p.PointHistory {
		b.PointHistory = append(b.PointHistory, store.PointHistoryEntry{
			GUID:       e.GUID,
			Timestamp:  e.TimeStamp * 1000,
			PlayerName: e.PlayerName,
			Change:     e.Change,
			NewPoints:  e.NewPoints,
			Type:       e.Type,
			Reason:     e.Reason,
		})
	}
	for _, l := range p.LootHistory {
		b.LootHistory = append(b.LootHistory, store.LootHistoryEntry{
			GUID:       l.GUID,
			Timestamp:  l.TimeStamp * 1000,
			PlayerName: l.PlayerName,
			ItemID:     l.ItemID,
			Response:   l.Response,
		})
	}
	return b
}

func buildDiff(cs *reconcile.ChangeSet) *importDiff {
	diff := &importDiff{
		Players:      []PlayerDiff{},
		PointHistory: []PointDiff{},
		LootHistory:  []LootDiff{},
	}
	for _, pc := range cs.Players {
		diff.Players = append(diff.Players, PlayerDiff{Old: pc.Old, New: pc.New})
	}
	for _, e := range cs.PointHistory {
		diff.PointHistory = append(diff.PointHistory, PointDiff{New: e})
	}
	for _, l := range cs.LootHistory {
		diff.LootHistory = append(diff.LootHistory, LootDiff{New: l})
	}
	return diff
}
