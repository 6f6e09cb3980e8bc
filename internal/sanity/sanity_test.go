package sanity_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/guildops/sanity-tracker/internal/backup"
	"github.com/guildops/sanity-tracker/internal/clock"
	"github.com/guildops/sanity-tracker/internal/codec"
	"github.com/guildops/sanity-tracker/internal/guid"
	"github.com/guildops/sanity-tracker/internal/reconcile"
	"github.com/guildops/sanity-tracker/internal/sanity"
	"github.com/guildops/sanity-tracker/internal/store"
)

var testTP = noop.NewTracerProvider()

var testClock = clock.Mock{T: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

// memStore implements store.Store in memory. WithLockedTx snapshots the
// state up front and restores it when fn fails, mirroring a rollback.
type memStore struct {
	players    map[string]store.Player
	points     []store.PointHistoryEntry
	loot       []store.LootHistoryEntry
	importLogs []store.ImportLog
	audit      []store.AuditEntry
	nextLogID  int64
}

func newMemStore() *memStore {
	return &memStore{players: make(map[string]store.Player), nextLogID: 1}
}

func (s *memStore) clone() *memStore {
	c := &memStore{
		players:    make(map[string]store.Player, len(s.players)),
		points:     append([]store.PointHistoryEntry(nil), s.points...),
		loot:       append([]store.LootHistoryEntry(nil), s.loot...),
		importLogs: append([]store.ImportLog(nil), s.importLogs...),
		audit:      append([]store.AuditEntry(nil), s.audit...),
		nextLogID:  s.nextLogID,
	}
	for k, v := range s.players {
		c.players[k] = v
	}
	return c
}

func (s *memStore) WithLockedTx(_ context.Context, fn func(tx store.TxStore) error) error {
	saved := s.clone()
	if err := fn(s); err != nil {
		*s = *saved
		return err
	}
	return nil
}

func (s *memStore) Players() store.PlayerRepository           { return (*memPlayers)(s) }
func (s *memStore) PointHistory() store.PointHistoryRepository { return (*memPoints)(s) }
func (s *memStore) LootHistory() store.LootHistoryRepository   { return (*memLoot)(s) }
func (s *memStore) ImportLogs() store.ImportLogRepository      { return (*memImportLogs)(s) }
func (s *memStore) Audit() store.AuditLogRepository            { return (*memAudit)(s) }

type memPlayers memStore

func (m *memPlayers) Get(_ context.Context, name string) (*store.Player, error) {
	p, ok := m.players[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memPlayers) List(_ context.Context) ([]store.Player, error) {
	result := make([]store.Player, 0, len(m.players))
	for _, p := range m.players {
		result = append(result, p)
	}
	return result, nil
}

func (m *memPlayers) Upsert(_ context.Context, p *store.Player) error {
	m.players[p.Name] = *p
	return nil
}

func (m *memPlayers) Delete(_ context.Context, name string) error {
	if _, ok := m.players[name]; !ok {
		return store.ErrNotFound
	}
	delete(m.players, name)
	return nil
}

type memPoints memStore

func (m *memPoints) Since(_ context.Context, ts int64) ([]store.PointHistoryEntry, error) {
	var result []store.PointHistoryEntry
	for _, e := range m.points {
		if e.Timestamp >= ts {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *memPoints) Insert(_ context.Context, e store.PointHistoryEntry) error {
	m.points = append(m.points, e)
	return nil
}

func (m *memPoints) Count(_ context.Context) (int, error) { return len(m.points), nil }

type memLoot memStore

func (m *memLoot) Since(_ context.Context, ts int64) ([]store.LootHistoryEntry, error) {
	var result []store.LootHistoryEntry
	for _, e := range m.loot {
		if e.Timestamp >= ts {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *memLoot) Insert(_ context.Context, e store.LootHistoryEntry) error {
	m.loot = append(m.loot, e)
	return nil
}

func (m *memLoot) Count(_ context.Context) (int, error) { return len(m.loot), nil }

type memImportLogs memStore

func (m *memImportLogs) Create(_ context.Context, l *store.ImportLog) error {
	l.ID = m.nextLogID
	m.nextLogID++
	m.importLogs = append(m.importLogs, *l)
	return nil
}

func (m *memImportLogs) Get(_ context.Context, id int64) (*store.ImportLog, error) {
	for _, l := range m.importLogs {
		if l.ID == id {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memImportLogs) List(_ context.Context, limit int) ([]store.ImportLog, error) {
	if limit > len(m.importLogs) {
		limit = len(m.importLogs)
	}
	return append([]store.ImportLog(nil), m.importLogs[:limit]...), nil
}

type memAudit memStore

func (m *memAudit) Add(_ context.Context, actorID int64, actorName, description string) error {
	m.audit = append(m.audit, store.AuditEntry{
		ID:        int64(len(m.audit) + 1),
		ActorID:   actorID,
		ActorName: actorName, Description: description,
	})
	return nil
}

func (m *memAudit) List(_ context.Context, limit int) ([]store.AuditEntry, error) {
	if limit > len(m.audit) {
		limit = len(m.audit)
	}
	return append([]store.AuditEntry(nil), m.audit[:limit]...), nil
}

func newManager(t *testing.T, st *memStore) *sanity.Manager {
	t.Helper()
	logger := slog.Default()
	backups := backup.NewManager(t.TempDir(), logger, testClock)
	engine := reconcile.NewEngine(st.Players(), st.PointHistory(), st.LootHistory(), logger, testTP)
	return sanity.NewManager(st, backups, engine, guid.NewGenerator(testClock), nil, logger, testTP, testClock)
}

func encodeExport(t *testing.T, p codec.Payload) string {
	t.Helper()
	s, err := codec.Encode(p)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return s
}

func bobPayload(finalPoints int) codec.Payload {
	return codec.Payload{
		Time:         1700000000,
		MinTimestamp: 0,
		Players:      []codec.WirePlayer{{PlayerName: "Bob", ClassID: 1, Points: finalPoints}},
		PointHistory: []codec.WirePoint{
			{GUID: "a", TimeStamp: 1000, PlayerName: "Bob", Change: -10, NewPoints: 90, Type: "CUSTOM", Reason: "test"},
		},
		LootHistory: []codec.WireLoot{},
	}
}

func TestImport_AppliesChanges(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}
	m := newManager(t, st)

	result, err := m.Import(context.Background(), encodeExport(t, bobPayload(90)), 7, "officer")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if result.LogID == 0 {
		t.Error("result.LogID = 0, want assigned id")
	}
	if len(result.Players) != 1 {
		t.Fatalf("result.Players = %+v, want one diff", result.Players)
	}
	if result.Players[0].Old == nil || result.Players[0].Old.Points != 100 {
		t.Errorf("old player = %+v, want balance 100", result.Players[0].Old)
	}
	if result.Players[0].New.Points != 90 {
		t.Errorf("new player balance = %d, want 90", result.Players[0].New.Points)
	}
	if len(result.PointHistory) != 1 || result.PointHistory[0].New.GUID != "a" {
		t.Errorf("point diffs = %+v, want entry a", result.PointHistory)
	}
	if len(result.LootHistory) != 0 {
		t.Errorf("loot diffs = %+v, want none", result.LootHistory)
	}

	// Wire seconds were converted to stored milliseconds.
	if got := st.points[0].Timestamp; got != 1000*1000 {
		t.Errorf("stored timestamp = %d, want %d", got, 1000*1000)
	}
	if st.players["Bob"].Points != 90 {
		t.Errorf("Bob's balance = %d, want 90", st.players["Bob"].Points)
	}
	if len(st.importLogs) != 1 {
		t.Errorf("import logs = %d, want 1", len(st.importLogs))
	}
	if len(st.audit) != 1 {
		t.Errorf("audit entries = %d, want 1", len(st.audit))
	}
}

func TestImport_Idempotent(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}
	m := newManager(t, st)

	raw := encodeExport(t, bobPayload(90))
	if _, err := m.Import(context.Background(), raw, 7, "officer"); err != nil {
		t.Fatalf("first Import() error = %v", err)
	}
	pointsBefore := len(st.points)

	result, err := m.Import(context.Background(), raw, 7, "officer")
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if len(result.Players) != 0 || len(result.PointHistory) != 0 || len(result.LootHistory) != 0 {
		t.Errorf("second import diff = %+v, want empty", result)
	}
	if len(st.points) != pointsBefore {
		t.Errorf("point rows = %d, want unchanged %d", len(st.points), pointsBefore)
	}
}

func TestImport_MismatchIsAtomic(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}
	m := newManager(t, st)

	_, err := m.Import(context.Background(), encodeExport(t, bobPayload(95)), 7, "officer")

	var mismatch *reconcile.BalanceMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Import() error = %v, want BalanceMismatchError", err)
	}
	if !sanity.IsUserError(err) {
		t.Error("balance mismatch should be a user error")
	}
	if len(st.points) != 0 || len(st.importLogs) != 0 {
		t.Errorf("rows written on rejected import: points=%d logs=%d", len(st.points), len(st.importLogs))
	}
	if st.players["Bob"].Points != 100 {
		t.Errorf("Bob's balance = %d, want unchanged 100", st.players["Bob"].Points)
	}
}

func TestImport_InputErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not the wire format", raw: "definitely not an export"},
		{name: "valid wrapper, wrong shape", raw: mustEncode(map[string]any{"unexpected": true})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			m := newManager(t, st)

			_, err := m.Import(context.Background(), tt.raw, 7, "officer")
			if err == nil {
				t.Fatal("Import() succeeded, want error")
			}
			if !sanity.IsUserError(err) {
				t.Errorf("error %v should be a user error", err)
			}
			if len(st.importLogs) != 0 || len(st.audit) != 0 {
				t.Error("rejected input must not persist anything")
			}
		})
	}
}

func mustEncode(v any) string {
	s, err := codec.Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}

func TestImport_BackupFailureBlocksCommit(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}

	logger := slog.Default()
	// A regular file where the backup dir should go makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("creating blocker file: %v", err)
	}
	backups := backup.NewManager(filepath.Join(blocker, "nested"), logger, testClock)
	engine := reconcile.NewEngine(st.Players(), st.PointHistory(), st.LootHistory(), logger, testTP)
	m := sanity.NewManager(st, backups, engine, guid.NewGenerator(testClock), nil, logger, testTP, testClock)

	_, err := m.Import(context.Background(), encodeExport(t, bobPayload(90)), 7, "officer")
	if !errors.Is(err, sanity.ErrInternal) {
		t.Fatalf("Import() error = %v, want ErrInternal", err)
	}
	if len(st.points) != 0 || st.players["Bob"].Points != 100 {
		t.Error("mutation proceeded despite failed backup")
	}
}

func TestAdjustPoints(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}
	m := newManager(t, st)

	entry, err := m.AdjustPoints(context.Background(), "Bob", -25, "missed raid", 7, "officer")
	if err != nil {
		t.Fatalf("AdjustPoints() error = %v", err)
	}
	if entry.Type != store.ChangeTypeCustom || entry.Change != -25 || entry.NewPoints != 75 {
		t.Errorf("entry = %+v, want CUSTOM -25 -> 75", entry)
	}
	if st.players["Bob"].Points != 75 {
		t.Errorf("Bob's balance = %d, want 75", st.players["Bob"].Points)
	}
	if len(st.points) != 1 {
		t.Errorf("point rows = %d, want 1", len(st.points))
	}

	if _, err := m.AdjustPoints(context.Background(), "Ghost", 5, "x", 7, "officer"); !errors.Is(err, sanity.ErrPlayerNotFound) {
		t.Errorf("AdjustPoints(unknown) error = %v, want ErrPlayerNotFound", err)
	}
}

func TestDeletePlayer(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}
	m := newManager(t, st)

	if err := m.DeletePlayer(context.Background(), "Bob", 7, "officer"); err != nil {
		t.Fatalf("DeletePlayer() error = %v", err)
	}
	if _, ok := st.players["Bob"]; ok {
		t.Error("Bob still present after delete")
	}
	if err := m.DeletePlayer(context.Background(), "Bob", 7, "officer"); !errors.Is(err, sanity.ErrPlayerNotFound) {
		t.Errorf("second delete error = %v, want ErrPlayerNotFound", err)
	}
}

func TestExport_RoundTrip(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 90}
	st.points = []store.PointHistoryEntry{
		{GUID: "a", Timestamp: 1_000_000, PlayerName: "Bob", Change: -10, NewPoints: 90, Type: "CUSTOM", Reason: "test"},
		{GUID: "b", Timestamp: 2_000_000, PlayerName: "Bob", Change: 5, NewPoints: 95, Type: "CUSTOM"},
	}
	st.loot = []store.LootHistoryEntry{
		{GUID: "l", Timestamp: 1_500_000, PlayerName: "Bob", ItemID: 19019, Response: "Mainspec"},
	}
	m := newManager(t, st)

	// Filter to entries at/after 1500 seconds.
	out, err := m.Export(context.Background(), 1500)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	p, err := codec.DecodePayload(out)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if len(p.Players) != 1 || p.Players[0].PlayerName != "Bob" {
		t.Errorf("players = %+v, want Bob", p.Players)
	}
	if len(p.PointHistory) != 1 || p.PointHistory[0].GUID != "b" {
		t.Errorf("point history = %+v, want only entry b", p.PointHistory)
	}
	if p.PointHistory[0].TimeStamp != 2000 {
		t.Errorf("exported timestamp = %d, want seconds 2000", p.PointHistory[0].TimeStamp)
	}
	if len(p.LootHistory) != 1 || p.LootHistory[0].TimeStamp != 1500 {
		t.Errorf("loot history = %+v, want entry at 1500s", p.LootHistory)
	}
	if p.MinTimestamp != 1500 {
		t.Errorf("minTimestamp = %d, want 1500", p.MinTimestamp)
	}
}

func TestRestore(t *testing.T) {
	st := newMemStore()
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 100}
	st.points = []store.PointHistoryEntry{
		{GUID: "a", Timestamp: 1_000_000, PlayerName: "Bob", Change: 100, NewPoints: 100, Type: "CUSTOM"},
	}

	logger := slog.Default()
	dir := t.TempDir()
	backups := backup.NewManager(dir, logger, testClock)
	engine := reconcile.NewEngine(st.Players(), st.PointHistory(), st.LootHistory(), logger, testTP)
	m := sanity.NewManager(st, backups, engine, guid.NewGenerator(testClock), nil, logger, testTP, testClock)

	// Take a snapshot of the current state directly.
	name, err := backups.Snapshot(context.Background(), st, 0)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// Drift the state away from the snapshot.
	st.players["Bob"] = store.Player{Name: "Bob", ClassID: 1, Points: 40}
	st.points = nil

	if err := m.Restore(context.Background(), name, 7, "officer"); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if st.players["Bob"].Points != 100 {
		t.Errorf("Bob's balance = %d, want restored 100", st.players["Bob"].Points)
	}
	if len(st.points) != 1 || st.points[0].GUID != "a" {
		t.Errorf("point rows = %+v, want entry a restored", st.points)
	}
}
