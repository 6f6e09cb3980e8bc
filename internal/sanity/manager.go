// Package sanity coordinates the guild sanity-point ledger: addon imports
// and exports, manual adjustments, player removal and backup restores.
// Every mutating operation goes through the store's locked transaction with
// a pre-change backup.
package sanity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildops/sanity-tracker/internal/backup"
	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/codec"
	"github.com/guildops/sanity-tracker/internal/guid"
	"github.com/guildops/sanity-tracker/internal/reconcile"
	"github.com/guildops/sanity-tracker/internal/schema"
	"github.com/guildops/sanity-tracker/internal/store"
)

// ErrInternal is returned for infrastructure failures during commit. The
// underlying cause is logged server-side and not exposed to the caller.
var ErrInternal = errors.New("the operation failed and no changes were applied, please try again")

// ErrPlayerNotFound is returned for operations naming a player that does
// not exist.
var ErrPlayerNotFound = errors.New("player not found")

// Announcer posts human-readable notifications about applied mutations.
// Implementations must be safe to call from background goroutines.
type Announcer interface {
	Announce(ctx context.Context, text string)
}

// Manager owns all ledger mutations.
type Manager struct {
	store    store.Store
	backups  *backup.Manager
	engine   *reconcile.Engine
	guids    *guid.Generator
	announce Announcer
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
}

// NewManager returns a new Manager. announce may be nil.
func NewManager(st store.Store, backups *backup.Manager, engine *reconcile.Engine, guids *guid.Generator, announce Announcer, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Manager {
	return &Manager{
		store:    st,
		backups:  backups,
		engine:   engine,
		guids:    guids,
		announce: announce,
		logger:   logger,
		tracer:   tp.Tracer("github.com/guildops/sanity-tracker/internal/sanity"),
		clock:    clk,
	}
}

// IsUserError reports whether err describes a problem with the caller's
// input. User errors are safe to render verbatim; anything else should be
// surfaced as a generic failure.
func IsUserError(err error) bool {
	var (
		formatErr   *codec.FormatError
		decodeErr   *codec.DecodeError
		schemaErr   *schema.Error
		unknownErr  *reconcile.UnknownPlayerError
		mismatchErr *reconcile.BalanceMismatchError
	)
	switch {
	case errors.As(err, &formatErr),
		errors.As(err, &decodeErr),
		errors.As(err, &schemaErr),
		errors.As(err, &unknownErr),
		errors.As(err, &mismatchErr),
		errors.Is(err, ErrPlayerNotFound):
		return true
	}
	return false
}

// AdjustPoints applies a manual point change to one player, writing a
// CUSTOM point-history entry alongside the balance update.
func (m *Manager) AdjustPoints(ctx context.Context, playerName string, delta int, reason string, actorID int64, actorName string) (*store.PointHistoryEntry, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.AdjustPoints",
		trace.WithAttributes(
			attribute.String("player", playerName),
			attribute.Int("delta", delta),
		),
	)
	defer span.End()

	var entry store.PointHistoryEntry
	err := m.store.WithLockedTx(ctx, func(tx store.TxStore) error {
		p, err := tx.Players().Get(ctx, playerName)
		if errors.Is(err, store.ErrNotFound) {
			return ErrPlayerNotFound
		}
		if err != nil {
			return err
		}

		if _, err := m.backups.Snapshot(ctx, tx, 0); err != nil {
			return fmt.Errorf("pre-change backup: %w", err)
		}

		p.Points += delta
		if err := tx.Players().Upsert(ctx, p); err != nil {
			return err
		}

		entry = store.PointHistoryEntry{
			GUID:       m.guids.New(),
			Timestamp:  m.clock.Now().UnixMilli(),
			PlayerName: p.Name,
			Change:     delta,
			NewPoints:  p.Points,
			Type:       store.ChangeTypeCustom,
			Reason:     reason,
		}
		if err := tx.PointHistory().Insert(ctx, entry); err != nil {
			return err
		}

		return tx.Audit().Add(ctx, actorID, actorName,
			fmt.Sprintf("Adjusted %s by %+d points (%s)", p.Name, delta, reason))
	})
	if err != nil {
		if IsUserError(err) {
			return nil, err
		}
		m.logger.ErrorContext(ctx, "point adjustment failed",
			slog.String("player", playerName),
			slog.Any("error", err),
		)
		return nil, ErrInternal
	}

	m.logger.InfoContext(ctx, "points adjusted",
		slog.String("player", playerName),
		slog.Int("delta", delta),
		slog.String("reason", reason),
	)
	m.announcef(ctx, "%s adjusted **%s** by **%+d** sanity (%s)", actorName, playerName, delta, reason)
	return &entry, nil
}

// DeletePlayer removes a player and, via cascade, their history rows. The
// pre-change backup is the only way to recover from this, so a failed
// backup aborts the delete.
func (m *Manager) DeletePlayer(ctx context.Context, playerName string, actorID int64, actorName string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.DeletePlayer",
		trace.WithAttributes(attribute.String("player", playerName)),
	)
	defer span.End()

	err := m.store.WithLockedTx(ctx, func(tx store.TxStore) error {
		if _, err := m.backups.Snapshot(ctx, tx, 0); err != nil {
			return fmt.Errorf("pre-change backup: %w", err)
		}
		if err := tx.Players().Delete(ctx, playerName); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrPlayerNotFound
			}
			return err
		}
		return tx.Audit().Add(ctx, actorID, actorName,
			fmt.Sprintf("Deleted player %s", playerName))
	})
	if err != nil {
		if IsUserError(err) {
			return err
		}
		m.logger.ErrorContext(ctx, "player delete failed",
			slog.String("player", playerName),
			slog.Any("error", err),
		)
		return ErrInternal
	}

	m.logger.InfoContext(ctx, "player deleted", slog.String("player", playerName))
	return nil
}

// Restore re-applies a backup snapshot: players are reset to their
// snapshot values and any snapshot history rows missing from the tables
// are re-inserted. History rows are never deleted.
func (m *Manager) Restore(ctx context.Context, name string, actorID int64, actorName string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Restore",
		trace.WithAttributes(attribute.String("backup", name)),
	)
	defer span.End()

	snap, err := m.backups.Load(name)
	if err != nil {
		return fmt.Errorf("loading backup %q: %w", name, err)
	}

	err = m.store.WithLockedTx(ctx, func(tx store.TxStore) error {
		// Back up the state being replaced before touching it.
		if _, err := m.backups.Snapshot(ctx, tx, snap.MinTimestamp); err != nil {
			return fmt.Errorf("pre-restore backup: %w", err)
		}

		for i := range snap.Players {
			if err := tx.Players().Upsert(ctx, &snap.Players[i]); err != nil {
				return err
			}
		}

		existingPoints, err := tx.PointHistory().Since(ctx, snap.MinTimestamp+1)
		if err != nil {
			return err
		}
		pointGUIDs := make(map[string]struct{}, len(existingPoints))
		for _, e := range existingPoints {
			pointGUIDs[e.GUID] = struct{}{}
		}
		for _, e := range snap.PointHistory {
			if _, ok := pointGUIDs[e.GUID]; ok {
				continue
			}
			if err := tx.PointHistory().Insert(ctx, e); err != nil {
				return err
			}
		}

		existingLoot, err := tx.LootHistory().Since(ctx, snap.MinTimestamp+1)
		if err != nil {
			return err
		}
		lootGUIDs := make(map[string]struct{}, len(existingLoot))
		for _, e := range existingLoot {
			lootGUIDs[e.GUID] = struct{}{}
		}
		for _, e := range snap.LootHistory {
			if _, ok := lootGUIDs[e.GUID]; ok {
				continue
			}
			if err := tx.LootHistory().Insert(ctx, e); err != nil {
				return err
			}
		}

		return tx.Audit().Add(ctx, actorID, actorName,
			fmt.Sprintf("Restored backup %s (%d players)", name, len(snap.Players)))
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "restore failed",
			slog.String("backup", name),
			slog.Any("error", err),
		)
		return ErrInternal
	}

	m.logger.InfoContext(ctx, "backup restored", slog.String("backup", name))
	m.announcef(ctx, "%s restored backup `%s`", actorName, name)
	return nil
}

func (m *Manager) announcef(ctx context.Context, format string, args ...any) {
	if m.announce == nil {
		return
	}
	m.announce.Announce(ctx, fmt.Sprintf(format, args...))
}
