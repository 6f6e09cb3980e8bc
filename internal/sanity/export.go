package sanity

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guildops/sanity-tracker/internal/codec"
)

// Export builds an addon export string from current database state,
// filtered to history entries at or after minTimestamp (in seconds; zero
// means everything). Reads are unlocked: an export concurrent with an
// import may observe the pre-import state, which the addon reconciles on
// its next sync.
func (m *Manager) Export(ctx context.Context, minTimestamp int64) (string, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Export",
		trace.WithAttributes(attribute.Int64("min_timestamp", minTimestamp)),
	)
	defer span.End()

	players, err := m.store.Players().List(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "export failed", slog.Any("error", err))
		return "", ErrInternal
	}
	points, err := m.store.PointHistory().Since(ctx, minTimestamp*1000)
	if err != nil {
		m.logger.ErrorContext(ctx, "export failed", slog.Any("error", err))
		return "", ErrInternal
	}
	loot, err := m.store.LootHistory().Since(ctx, minTimestamp*1000)
	if err != nil {
		m.logger.ErrorContext(ctx, "export failed", slog.Any("error", err))
		return "", ErrInternal
	}

	payload := codec.Payload{
		Time:         m.clock.Now().Unix(),
		MinTimestamp: minTimestamp,
		Players:      make([]codec.WirePlayer, 0, len(players)),
		PointHistory: make([]codec.WirePoint, 0, len(points)),
		LootHistory:  make([]codec.WireLoot, 0, len(loot)),
	}
	for _, p := range players {
		payload.Players = append(payload.Players, codec.WirePlayer{
			PlayerName: p.Name,
			ClassID:    p.ClassID,
			Points:     p.Points,
		})
	}
	for _, e := range points {
		payload.PointHistory = append(payload.PointHistory, codec.WirePoint{
			GUID:       e.GUID,
			TimeStamp:  e.Timestamp / 1000,
			PlayerName: e.PlayerName,
			Change:     e.Change,
			NewPoints:  e.NewPoints,
			Type:       e.Type,
			Reason:     e.Reason,
		})
	}
	for _, l := range loot {
		payload.LootHistory = append(payload.LootHistory, codec.WireLoot{
			GUID:       l.GUID,
			TimeStamp:  l.Timestamp / 1000,
			PlayerName: l.PlayerName,
			ItemID:     l.ItemID,
			Response:   l.Response,
		})
	}

	out, err := codec.Encode(payload)
	if err != nil {
		m.logger.ErrorContext(ctx, "export encoding failed", slog.Any("error", err))
		return "", ErrInternal
	}

	m.logger.InfoContext(ctx, "export built",
		slog.Int("players", len(players)),
		slog.Int("point_entries", len(points)),
		slog.Int("loot_entries", len(loot)),
	)
	return out, nil
}
