// Package decay applies the scheduled proportional point reduction to all
// players. A run is all-or-nothing: it shares the backup-then-locked-
// transaction pattern with imports, so a failure for any player rolls back
// the whole cycle.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildops/sanity-tracker/internal/backup"
	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/config"
	"github.com/guildops/sanity-tracker/internal/guid"
	"github.com/guildops/sanity-tracker/internal/store"
)

// retryDelay is how long to wait after a failed run before trying again.
// The weekly target time is kept, so a transient failure never skips a
// cycle.
const retryDelay = time.Hour

// Announcer posts human-readable notifications about applied decay runs.
type Announcer interface {
	Announce(ctx context.Context, text string)
}

// Scheduler runs the weekly decay at the configured weekday and hour.
type Scheduler struct {
	cfg      config.DecayConfig
	store    store.Store
	backups  *backup.Manager
	guids    *guid.Generator
	announce Announcer
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
}

// NewScheduler returns a new Scheduler. announce may be nil.
func NewScheduler(cfg config.DecayConfig, st store.Store, backups *backup.Manager, guids *guid.Generator, announce Announcer, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		backups:  backups,
		guids:    guids,
		announce: announce,
		logger:   logger,
		tracer:   tp.Tracer("github.com/guildops/sanity-tracker/internal/decay"),
		clock:    clk,
	}
}

// NextRun returns the first occurrence of day/hour strictly after now.
func NextRun(now time.Time, day time.Weekday, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	next = next.AddDate(0, 0, int((day-now.Weekday()+7)%7))
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// Run blocks until ctx is done, executing decay cycles on schedule. After a
// successful run the next cycle is scheduled for next week's configured
// slot; after a failure the same cycle is retried in an hour.
func (s *Scheduler) Run(ctx context.Context) {
	target := NextRun(s.clock.Now(), s.cfg.Weekday(), s.cfg.Hour)
	s.logger.InfoContext(ctx, "decay scheduler started",
		slog.Time("next_run", target),
		slog.Float64("multiplier", s.cfg.Multiplier),
	)

	for {
		timer := time.NewTimer(target.Sub(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil {
			s.logger.ErrorContext(ctx, "decay run failed, retrying",
				slog.Any("error", err),
				slog.Duration("retry_in", retryDelay),
			)
			target = s.clock.Now().Add(retryDelay)
			continue
		}
		target = NextRun(s.clock.Now(), s.cfg.Weekday(), s.cfg.Hour)
		s.logger.InfoContext(ctx, "decay cycle complete", slog.Time("next_run", target))
	}
}

// RunOnce applies one decay cycle to all players: each balance becomes
// floor(points * multiplier), applied only when that strictly reduces the
// balance.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "Scheduler.RunOnce",
		trace.WithAttributes(attribute.Float64("multiplier", s.cfg.Multiplier)),
	)
	defer span.End()

	percent := math.Round((1-s.cfg.Multiplier)*10000) / 100
	reason := fmt.Sprintf("Weekly decay of %g%%", percent)
	affected := 0

	err := s.store.WithLockedTx(ctx, func(tx store.TxStore) error {
		if _, err := s.backups.Snapshot(ctx, tx, 0); err != nil {
			return fmt.Errorf("pre-decay backup: %w", err)
		}

		players, err := tx.Players().List(ctx)
		if err != nil {
			return err
		}

		nowMs := s.clock.Now().UnixMilli()
		affected = 0
		for i := range players {
			p := &players[i]
			newPoints := int(math.Floor(float64(p.Points) * s.cfg.Multiplier))
			if newPoints >= p.Points {
				continue
			}

			change := newPoints - p.Points
			p.Points = newPoints
			if err := tx.Players().Upsert(ctx, p); err != nil {
				return err
			}
			if err := tx.PointHistory().Insert(ctx, store.PointHistoryEntry{
				GUID:       s.guids.New(),
				Timestamp:  nowMs,
				PlayerName: p.Name,
				Change:     change,
				NewPoints:  newPoints,
				Type:       store.ChangeTypeDecay,
				Reason:     reason,
			}); err != nil {
				return err
			}
			affected++
		}

		if affected == 0 {
			return nil
		}
		return tx.Audit().Add(ctx, 0, "system",
			fmt.Sprintf("Applied %s to %d players", reason, affected))
	})
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("players_affected", affected))
	s.logger.InfoContext(ctx, "decay applied",
		slog.Int("players_affected", affected),
		slog.String("reason", reason),
	)
	if s.announce != nil && affected > 0 {
		s.announce.Announce(ctx, fmt.Sprintf("%s applied to %d players", reason, affected))
	}
	return nil
}
