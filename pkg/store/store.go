// Package store defines the SessionStore boundary the core persists
// through (spec.md §1: "the core consumes an opaque SessionStore
// interface ... any relational backend satisfies it"). Concrete
// implementations live in subpackages: memstore (in-process, used by
// tests and session_store.backend: memory) and postgres (lib/pq-backed).
package store

import "time"

// SessionRecord is one row of the sessions table (spec.md §6).
type SessionRecord struct {
	ID          string
	PSKIdentity string
	PeerAddr    string
	State       string
	CreatedAt   time.Time
	EndedAt     *time.Time
	EndReason   string
}

// APDURecord is one row of the apdus table (spec.md §6), append-only.
type APDURecord struct {
	SessionID  string
	Seq        int
	Direction  string // "sent" or "received"
	Hex        string
	SW         uint16
	T          time.Time
	DurationUs int64
}

// SessionStore is the persistence boundary. Writes are serialized per
// session id; cross-session writes may interleave (spec.md §5).
type SessionStore interface {
	RecordSession(rec SessionRecord) error
	AppendAPDU(rec APDURecord) error
	LoadSessions() ([]SessionRecord, error)
}
