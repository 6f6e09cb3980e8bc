package backup_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guildops/sanity-tracker/internal/backup"
	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/store"
)

type stubTx struct {
	players []store.Player
	points  []store.PointHistoryEntry
	loot    []store.LootHistoryEntry

	pointsSince int64
	lootSince   int64
}

func (s *stubTx) Players() store.PlayerRepository            { return (*stubPlayers)(s) }
func (s *stubTx) PointHistory() store.PointHistoryRepository { return (*stubPoints)(s) }
func (s *stubTx) LootHistory() store.LootHistoryRepository   { return (*stubLoot)(s) }
func (s *stubTx) ImportLogs() store.ImportLogRepository      { return nil }
func (s *stubTx) Audit() store.AuditLogRepository            { return nil }

type stubPlayers stubTx

func (s *stubPlayers) Get(context.Context, string) (*store.Player, error) {
	return nil, store.ErrNotFound
}
func (s *stubPlayers) List(context.Context) ([]store.Player, error) { return s.players, nil }
func (s *stubPlayers) Upsert(context.Context, *store.Player) error  { return nil }
func (s *stubPlayers) Delete(context.Context, string) error         { return store.ErrNotFound }

type stubPoints stubTx

func (s *stubPoints) Since(_ context.Context, ts int64) ([]store.PointHistoryEntry, error) {
	s.pointsSince = ts
	return s.points, nil
}
func (s *stubPoints) Insert(context.Context, store.PointHistoryEntry) error { return nil }
func (s *stubPoints) Count(context.Context) (int, error)                    { return len(s.points), nil }

type stubLoot stubTx

func (s *stubLoot) Since(_ context.Context, ts int64) ([]store.LootHistoryEntry, error) {
	s.lootSince = ts
	return s.loot, nil
}
func (s *stubLoot) Insert(context.Context, store.LootHistoryEntry) error { return nil }
func (s *stubLoot) Count(context.Context) (int, error)                   { return len(s.loot), nil }

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Mock{T: time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)}
	m := backup.NewManager(dir, slog.Default(), clk)

	tx := &stubTx{
		players: []store.Player{{Name: "Bob", ClassID: 1, Points: 100}},
		points: []store.PointHistoryEntry{
			{GUID: "a", Timestamp: 5_000_000, PlayerName: "Bob", Change: 100, NewPoints: 100, Type: "CUSTOM"},
		},
		loot: []store.LootHistoryEntry{
			{GUID: "l", Timestamp: 5_000_000, PlayerName: "Bob", ItemID: 19019, Response: "Mainspec"},
		},
	}

	name, err := m.Snapshot(context.Background(), tx, 4_000_000)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if want := "sanity-backup-2024-03-01_12-30-45.json"; name != want {
		t.Errorf("snapshot name = %q, want %q", name, want)
	}

	// History reads start just past the dedup window boundary.
	if tx.pointsSince != 4_000_001 || tx.lootSince != 4_000_001 {
		t.Errorf("Since cutoffs = %d/%d, want 4000001", tx.pointsSince, tx.lootSince)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading snapshot file: %v", err)
	}
	var snap backup.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("parsing snapshot file: %v", err)
	}
	if snap.MinTimestamp != 4_000_000 {
		t.Errorf("snap.MinTimestamp = %d, want 4000000", snap.MinTimestamp)
	}
	if len(snap.Players) != 1 || snap.Players[0].Name != "Bob" {
		t.Errorf("snap.Players = %+v, want Bob", snap.Players)
	}
	if len(snap.PointHistory) != 1 || snap.PointHistory[0].GUID != "a" {
		t.Errorf("snap.PointHistory = %+v, want entry a", snap.PointHistory)
	}
	if len(snap.LootHistory) != 1 || snap.LootHistory[0].GUID != "l" {
		t.Errorf("snap.LootHistory = %+v, want entry l", snap.LootHistory)
	}
}

func TestSnapshot_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "backups")
	m := backup.NewManager(dir, slog.Default(), clock.Mock{T: time.Unix(0, 0)})

	if _, err := m.Snapshot(context.Background(), &stubTx{}, 0); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("backup dir not created: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := backup.NewManager(dir, slog.Default(), clock.Mock{T: time.Unix(1000, 0)})

	tx := &stubTx{players: []store.Player{{Name: "Bob", ClassID: 1, Points: 42}}}
	name, err := m.Snapshot(context.Background(), tx, 0)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	snap, err := m.Load(name)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Players) != 1 || snap.Players[0].Points != 42 {
		t.Errorf("loaded players = %+v, want Bob with 42", snap.Players)
	}
}

func TestLoad_RejectsPathTraversal(t *testing.T) {
	m := backup.NewManager(t.TempDir(), slog.Default(), clock.Mock{})

	for _, name := range []string{"../etc/passwd", "a/b.json", ".."} {
		if _, err := m.Load(name); err == nil {
			t.Errorf("Load(%q) succeeded, want error", name)
		}
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	m := backup.NewManager(dir, slog.Default(), clock.Mock{})

	// Missing directory means no backups, not an error.
	empty := backup.NewManager(filepath.Join(dir, "missing"), slog.Default(), clock.Mock{})
	names, err := empty.List()
	if err != nil || names != nil {
		t.Errorf("List() on missing dir = %v, %v; want nil, nil", names, err)
	}

	for _, f := range []string{
		"sanity-backup-2024-01-01_00-00-00.json",
		"sanity-backup-2024-02-01_00-00-00.json",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	names, err = m.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{
		"sanity-backup-2024-02-01_00-00-00.json",
		"sanity-backup-2024-01-01_00-00-00.json",
	}
	if len(names) != len(want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
