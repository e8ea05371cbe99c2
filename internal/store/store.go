// Package store is the durable accounting layer: per-entry daily usage,
// per-entry cooldown expiry, an append-only audit log and a single-row
// session snapshot for crash recovery. Writes must be atomic and durable
// before the call returns (spec.md §4.2) — callers never need to fsync or
// retry themselves.
package store

import (
	"time"

	"github.com/parentkiosk/shepherdd/internal/ids"
	"github.com/parentkiosk/shepherdd/pkg/events"
)

// Day is a local calendar day key, formatted "2006-01-02", used to bucket
// usage. DayOf derives one from a wall-clock instant in its own location.
type Day string

// DayOf returns the local calendar day containing t.
func DayOf(t time.Time) Day {
	return Day(t.Format("2006-01-02"))
}

// Snapshot is the single persisted row describing whatever session was
// active at the last save — used only to detect and report sessions that
// were running when shepherdd last died (spec.md §4.3, Open Questions).
type Snapshot struct {
	Timestamp      time.Time
	ActiveSession  *ActiveSession
}

// ActiveSession is the minimal information needed to report a recovered
// session as ended; shepherdd never attempts to reattach to its host
// handle across a restart.
type ActiveSession struct {
	SessionID ids.SessionId
	EntryID   ids.EntryId
	StartedAt time.Time
}

// Store is the durable accounting interface the engine depends on. A
// single implementation (SQLite, see sqlite.go) backs it; the interface
// exists so the engine's tests can substitute an in-memory fake.
type Store interface {
	// AppendAudit appends event to the audit log, assigning it the next
	// sequence number, and returns that sequence number. Append-only,
	// durable before return; a partially-written record left by a crash
	// must be invisible to future reads.
	AppendAudit(event events.Event) (seq int64, err error)

	// GetUsage returns the accumulated usage for entry on day, or zero if
	// no usage has been recorded.
	GetUsage(entry ids.EntryId, day Day) (time.Duration, error)

	// AddUsage atomically adds dur to the usage for entry on day. Durable
	// before return.
	AddUsage(entry ids.EntryId, day Day, dur time.Duration) error

	// GetCooldownUntil returns the wall-clock instant before which entry
	// is in cooldown, or the zero Time if none is set.
	GetCooldownUntil(entry ids.EntryId) (time.Time, error)

	// SetCooldownUntil replaces the cooldown instant for entry.
	SetCooldownUntil(entry ids.EntryId, until time.Time) error

	// ClearCooldown removes any cooldown for entry.
	ClearCooldown(entry ids.EntryId) error

	// LoadSnapshot returns the single persisted snapshot row.
	LoadSnapshot() (Snapshot, error)

	// SaveSnapshot overwrites the single snapshot row.
	SaveSnapshot(s Snapshot) error

	// IsHealthy reports whether the store can currently serve requests.
	// Transient errors surfaced here are logged by callers, not fatal.
	IsHealthy() bool

	// Close releases underlying resources.
	Close() error
}
