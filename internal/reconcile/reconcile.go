// Package reconcile merges an addon-exported ledger snapshot into the
// authoritative server ledger. Reconcile is a two-phase validate-then-diff:
// it reads current state, deduplicates incoming history rows by guid,
// replays point deltas to verify ledger consistency, and computes the
// change-set to commit. It never writes.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildops/sanity-tracker/internal/store"
)

// Batch is an import payload converted to the server's domain types
// (millisecond timestamps).
type Batch struct {
	Players      []store.Player
	PointHistory []store.PointHistoryEntry
	LootHistory  []store.LootHistoryEntry
}

// PlayerChange records one player row the import creates or updates.
// Old is nil for created players.
type PlayerChange struct {
	Old *store.Player
	New store.Player
}

// ChangeSet is the computed result of a reconciliation: the minimal set of
// row insertions and updates needed, plus any non-fatal ledger warnings.
type ChangeSet struct {
	Players      []PlayerChange
	PointHistory []store.PointHistoryEntry
	LootHistory  []store.LootHistoryEntry
	Warnings     []string
}

// Empty reports whether the change-set would write nothing.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Players) == 0 && len(cs.PointHistory) == 0 && len(cs.LootHistory) == 0
}

// UnknownPlayerError means a history entry references a player that exists
// neither in the database nor in the import's player list. The whole import
// is rejected; there are no partial imports.
type UnknownPlayerError struct {
	Player string
	GUID   string
}

func (e *UnknownPlayerError) Error() string {
	return fmt.Sprintf("history entry %s references player %q, who exists neither in the database nor in the import", e.GUID, e.Player)
}

// BalanceMismatchError means replaying a player's imported history does not
// end at the player's imported balance. This is fatal: the two ledgers have
// diverged and an operator has to resolve the difference before importing.
type BalanceMismatchError struct {
	Player   string
	Expected int // balance after replaying the imported entries
	Imported int // final balance the import claims
}

func (e *BalanceMismatchError) Error() string {
	diff := e.Imported - e.Expected
	return fmt.Sprintf(
		"point balance mismatch for %s: replaying the imported history ends at %d but the import says %d; "+
			"either apply a manual adjustment of %+d to %s on the server, or correct the addon data by %+d and export again",
		e.Player, e.Expected, e.Imported, diff, e.Player, -diff)
}

// Engine computes change-sets from import batches against current DB state.
type Engine struct {
	players store.PlayerRepository
	points  store.PointHistoryRepository
	loot    store.LootHistoryRepository
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewEngine returns a new Engine reading current state from the given
// repositories.
func NewEngine(players store.PlayerRepository, points store.PointHistoryRepository, loot store.LootHistoryRepository, logger *slog.Logger, tp trace.TracerProvider) *Engine {
	return &Engine{
		players: players,
		points:  points,
		loot:    loot,
		logger:  logger,
		tracer:  tp.Tracer("github.com/guildops/sanity-tracker/internal/reconcile"),
	}
}

// Reconcile validates b against current database state and returns the
// change-set to commit. Input problems (unknown players, a final balance
// mismatch) are returned as typed errors before anything is written
// anywhere. Intermediate ledger inconsistencies are collected as warnings
// and do not abort the import.
func (e *Engine) Reconcile(ctx context.Context, b *Batch) (*ChangeSet, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Reconcile",
		trace.WithAttributes(
			attribute.Int("import.players", len(b.Players)),
			attribute.Int("import.point_entries", len(b.PointHistory)),
			attribute.Int("import.loot_entries", len(b.LootHistory)),
		),
	)
	defer span.End()

	dbPlayers, err := e.loadPlayers(ctx)
	if err != nil {
		return nil, err
	}

	imported := make(map[string]store.Player, len(b.Players))
	for _, p := range b.Players {
		imported[p.Name] = p
	}

	cs := &ChangeSet{}

	if err := e.reconcileLoot(ctx, b, dbPlayers, imported, cs); err != nil {
		return nil, err
	}
	newPoints, err := e.dedupPoints(ctx, b, dbPlayers, imported, cs)
	if err != nil {
		return nil, err
	}
	if err := e.replayPlayers(ctx, b, dbPlayers, newPoints, cs); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("changes.players", len(cs.Players)),
		attribute.Int("changes.point_entries", len(cs.PointHistory)),
		attribute.Int("changes.loot_entries", len(cs.LootHistory)),
		attribute.Int("changes.warnings", len(cs.Warnings)),
	)
	return cs, nil
}

func (e *Engine) loadPlayers(ctx context.Context) (map[string]*store.Player, error) {
	players, err := e.players.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading players: %w", err)
	}
	byName := make(map[string]*store.Player, len(players))
	for i := range players {
		byName[players[i].Name] = &players[i]
	}
	return byName, nil
}

// reconcileLoot dedups incoming loot entries against existing rows in the
// window [oldest incoming timestamp, now] and verifies every surviving
// entry names a known player.
func (e *Engine) reconcileLoot(ctx context.Context, b *Batch, dbPlayers map[string]*store.Player, imported map[string]store.Player, cs *ChangeSet) error {
	if len(b.LootHistory) == 0 {
		return nil
	}

	oldest := b.LootHistory[0].Timestamp
	for _, l := range b.LootHistory[1:] {
		if l.Timestamp < oldest {
			oldest = l.Timestamp
		}
	}

	existing, err := e.loot.Since(ctx, oldest)
	if err != nil {
		return fmt.Errorf("loading loot history: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, l := range existing {
		seen[l.GUID] = struct{}{}
	}

	for _, l := range b.LootHistory {
		if _, dup := seen[l.GUID]; dup {
			continue
		}
		if _, ok := dbPlayers[l.PlayerName]; !ok {
			if _, ok := imported[l.PlayerName]; !ok {
				return &UnknownPlayerError{Player: l.PlayerName, GUID: l.GUID}
			}
		}
		seen[l.GUID] = struct{}{}
		cs.LootHistory = append(cs.LootHistory, l)
	}
	return nil
}

// dedupPoints drops incoming point entries whose guid already exists and
// groups the survivors by player. Entries for players missing from the
// import's player list carry no authoritative final balance to replay
// against: they are fatal if the player is entirely unknown, otherwise
// skipped with a warning.
func (e *Engine) dedupPoints(ctx context.Context, b *Batch, dbPlayers map[string]*store.Player, imported map[string]store.Player, cs *ChangeSet) (map[string][]store.PointHistoryEntry, error) {
	byPlayer := make(map[string][]store.PointHistoryEntry)
	if len(b.PointHistory) == 0 {
		return byPlayer, nil
	}

	oldest := b.PointHistory[0].Timestamp
	for _, p := range b.PointHistory[1:] {
		if p.Timestamp < oldest {
			oldest = p.Timestamp
		}
	}

	existing, err := e.points.Since(ctx, oldest)
	if err != nil {
		return nil, fmt.Errorf("loading point history: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		seen[p.GUID] = struct{}{}
	}

	for _, p := range b.PointHistory {
		if _, dup := seen[p.GUID]; dup {
			continue
		}
		if _, ok := imported[p.PlayerName]; !ok {
			if _, known := dbPlayers[p.PlayerName]; !known {
				return nil, &UnknownPlayerError{Player: p.PlayerName, GUID: p.GUID}
			}
			w := fmt.Sprintf("skipping point entry %s: player %s is not part of the import, no final balance to reconcile against", p.GUID, p.PlayerName)
			cs.Warnings = append(cs.Warnings, w)
			e.logger.WarnContext(ctx, "skipping point entry without imported player",
				slog.String("guid", p.GUID),
				slog.String("player", p.PlayerName),
			)
			continue
		}
		seen[p.GUID] = struct{}{}
		byPlayer[p.PlayerName] = append(byPlayer[p.PlayerName], p)
	}

	// Chronological order is enforced here, regardless of input order.
	for name := range byPlayer {
		entries := byPlayer[name]
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Timestamp < entries[j].Timestamp
		})
	}
	return byPlayer, nil
}

// replayPlayers walks every imported player, replaying their new entries
// from the current DB balance. A mismatch after an individual step is a
// warning; a mismatch between the final running sum and the imported final
// balance aborts the reconciliation.
func (e *Engine) replayPlayers(ctx context.Context, b *Batch, dbPlayers map[string]*store.Player, newPoints map[string][]store.PointHistoryEntry, cs *ChangeSet) error {
	for _, p := range b.Players {
		entries := newPoints[p.Name]
		cur, exists := dbPlayers[p.Name]

		if !exists {
			// No prior ledger, the imported values are taken as-is.
			cs.Players = append(cs.Players, PlayerChange{Old: nil, New: p})
			cs.PointHistory = append(cs.PointHistory, entries...)
			continue
		}

		running := cur.Points
		for _, entry := range entries {
			running += entry.Change
			if running != entry.NewPoints {
				w := fmt.Sprintf("ledger drift for %s at entry %s: running sum %d, entry says %d", p.Name, entry.GUID, running, entry.NewPoints)
				cs.Warnings = append(cs.Warnings, w)
				e.logger.WarnContext(ctx, "intermediate ledger mismatch",
					slog.String("player", p.Name),
					slog.String("guid", entry.GUID),
					slog.Int("running", running),
					slog.Int("recorded", entry.NewPoints),
				)
			}
		}

		if running != p.Points {
			return &BalanceMismatchError{Player: p.Name, Expected: running, Imported: p.Points}
		}

		if cur.Points != p.Points || cur.ClassID != p.ClassID {
			updated := *cur
			updated.Points = p.Points
			updated.ClassID = p.ClassID
			old := *cur
			cs.Players = append(cs.Players, PlayerChange{Old: &old, New: updated})
		}
		cs.PointHistory = append(cs.PointHistory, entries...)
	}
	return nil
}
