// Package backup snapshots the mutable tables to a JSON file before any
// bulk-mutating operation. A snapshot is read through the same transaction
// as the mutation that follows it, so it reflects exactly the pre-change
// state.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/store"
)

// Snapshot is the content of one backup file. Timestamps are the server's
// milliseconds, uncompressed.
type Snapshot struct {
	Time         int64                     `json:"time"`
	MinTimestamp int64                     `json:"minTimestamp"`
	Players      []store.Player            `json:"players"`
	PointHistory []store.PointHistoryEntry `json:"pointHistory"`
	LootHistory  []store.LootHistoryEntry  `json:"lootHistory"`
}

// Manager writes and reads backup snapshots in a fixed directory.
type Manager struct {
	dir    string
	logger *slog.Logger
	clock  clock.Clock
}

// NewManager returns a Manager writing to dir.
func NewManager(dir string, logger *slog.Logger, clk clock.Clock) *Manager {
	return &Manager{dir: dir, logger: logger, clock: clk}
}

// Snapshot reads all players and the history rows with timestamp >
// minTimestamp through tx and writes them to a file keyed by the current
// date and time. It returns the written filename. Callers decide whether a
// failed backup blocks the following mutation; every bulk-mutating path in
// this codebase treats it as blocking.
func (m *Manager) Snapshot(ctx context.Context, tx store.TxStore, minTimestamp int64) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir %s: %w", m.dir, err)
	}

	players, err := tx.Players().List(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshotting players: %w", err)
	}
	points, err := tx.PointHistory().Since(ctx, minTimestamp+1)
	if err != nil {
		return "", fmt.Errorf("snapshotting point history: %w", err)
	}
	loot, err := tx.LootHistory().Since(ctx, minTimestamp+1)
	if err != nil {
		return "", fmt.Errorf("snapshotting loot history: %w", err)
	}

	now := m.clock.Now()
	snap := Snapshot{
		Time:         now.UnixMilli(),
		MinTimestamp: minTimestamp,
		Players:      players,
		PointHistory: points,
		LootHistory:  loot,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing snapshot: %w", err)
	}

	name := fmt.Sprintf("sanity-backup-%s.json", now.Format("2006-01-02_15-04-05"))
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing snapshot %s: %w", path, err)
	}

	m.logger.InfoContext(ctx, "backup written",
		slog.String("file", name),
		slog.Int("players", len(players)),
		slog.Int("point_entries", len(points)),
		slog.Int("loot_entries", len(loot)),
	)
	return name, nil
}

// Load reads a snapshot file by name.
func (m *Manager) Load(name string) (*Snapshot, error) {
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid backup name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", name, err)
	}
	return &snap, nil
}

// List returns the available snapshot filenames, newest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing backup dir %s: %w", m.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
