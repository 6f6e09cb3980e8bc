package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Change types recorded on point-history entries.
const (
	ChangeTypeCustom = "CUSTOM"
	ChangeTypeDecay  = "DECAY"
	ChangeTypeImport = "IMPORT"
)

// Player is a guild roster entry. Points must always equal the running sum
// of the player's point-history deltas in chronological order.
type Player struct {
	Name      string    `db:"name" json:"playerName"`
	ClassID   int       `db:"class_id" json:"classId"` // 1..13
	Points    int       `db:"points" json:"points"`
	AccountID *int64    `db:"account_id" json:"accountId,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}

// PointHistoryEntry is one immutable ledger row. Timestamp is in
// milliseconds; the addon's second-precision timestamps are converted at the
// import/export boundary.
type PointHistoryEntry struct {
	GUID       string `db:"guid" json:"guid"`
	Timestamp  int64  `db:"ts" json:"timeStamp"`
	PlayerName string `db:"player_name" json:"playerName"`
	Change     int    `db:"change" json:"change"`
	NewPoints  int    `db:"new_points" json:"newPoints"`
	Type       string `db:"type" json:"type"`
	Reason     string `db:"reason" json:"reason,omitempty"`
}

// LootHistoryEntry is one immutable loot award row.
type LootHistoryEntry struct {
	GUID       string `db:"guid" json:"guid"`
	Timestamp  int64  `db:"ts" json:"timeStamp"`
	PlayerName string `db:"player_name" json:"playerName"`
	ItemID     int    `db:"item_id" json:"itemId"`
	Response   string `db:"response" json:"response"`
}

// ImportLog is the audit record of one successful import: the serialized
// diff of everything the import changed. Created once, never mutated.
type ImportLog struct {
	ID        int64           `db:"id"`
	UserID    int64           `db:"user_id"`
	Data      json.RawMessage `db:"data"`
	CreatedAt time.Time       `db:"created_at"`
}

// AuditEntry is one append-only system log row.
type AuditEntry struct {
	ID          int64     `db:"id"`
	ActorID     int64     `db:"actor_id"`
	ActorName   string    `db:"actor_name"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// PlayerRepository defines player persistence operations.
type PlayerRepository interface {
	Get(ctx context.Context, name string) (*Player, error)
	List(ctx context.Context) ([]Player, error)
	Upsert(ctx context.Context, p *Player) error
	Delete(ctx context.Context, name string) error
}

// PointHistoryRepository defines point-ledger persistence operations.
// Entries are insert-only.
type PointHistoryRepository interface {
	// Since returns entries with timestamp >= ts, ordered by timestamp.
	Since(ctx context.Context, ts int64) ([]PointHistoryEntry, error)
	Insert(ctx context.Context, e PointHistoryEntry) error
	Count(ctx context.Context) (int, error)
}

// LootHistoryRepository defines loot-history persistence operations.
// Entries are insert-only.
type LootHistoryRepository interface {
	Since(ctx context.Context, ts int64) ([]LootHistoryEntry, error)
	Insert(ctx context.Context, e LootHistoryEntry) error
	Count(ctx context.Context) (int, error)
}

// ImportLogRepository defines import-log persistence operations.
type ImportLogRepository interface {
	Create(ctx context.Context, l *ImportLog) error
	Get(ctx context.Context, id int64) (*ImportLog, error)
	List(ctx context.Context, limit int) ([]ImportLog, error)
}

// AuditLogRepository defines audit-trail persistence operations.
type AuditLogRepository interface {
	Add(ctx context.Context, actorID int64, actorName, description string) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// TxStore groups the repositories. Inside WithLockedTx all repositories are
// bound to the same transaction and connection.
type TxStore interface {
	Players() PlayerRepository
	PointHistory() PointHistoryRepository
	LootHistory() LootHistoryRepository
	ImportLogs() ImportLogRepository
	Audit() AuditLogRepository
}

// Store is the root persistence handle. WithLockedTx serializes all
// mutating operations on the three mutable tables: it opens a transaction
// on a dedicated connection, takes an exclusive lock on players,
// point_history and loot_history, runs fn, and commits. Any error from fn
// rolls the transaction back; the lock is released on every exit path,
// including panics surfaced as errors by the driver.
type Store interface {
	TxStore
	WithLockedTx(ctx context.Context, fn func(tx TxStore) error) error
}
