// Package postgres is the lib/pq-backed pkg/store.SessionStore.
// Grounded on the teacher's database layer: a blank-imported driver,
// a pooled *sql.DB, and an explicit migration runner executed at
// startup rather than relying on an external migration tool.
// Retargeted from the teacher's subscriber/CDR tables onto the
// sessions/apdus tables spec.md §6 names; both are append-only (no
// UPDATE after a session closes, per spec.md §6).
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	psk_identity  TEXT NOT NULL,
	peer_addr     TEXT NOT NULL,
	state         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	end_reason    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS apdus (
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	seq          INTEGER NOT NULL,
	direction    TEXT NOT NULL,
	hex          TEXT NOT NULL,
	sw           INTEGER NOT NULL DEFAULT 0,
	t            TIMESTAMPTZ NOT NULL,
	duration_us  BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, seq)
);
`

// Store is a Postgres-backed SessionStore.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open connects to dsn, runs the migration, and returns a ready Store.
// Mirrors the teacher's Open/Migrate split: connection pooling
// parameters are set explicitly rather than left at database/sql's
// unbounded defaults.
func Open(dsn string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{db: db, log: log.WithComponent("store_postgres")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RecordSession(rec store.SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, psk_identity, peer_addr, state, created_at, ended_at, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET state = $4, ended_at = $6, end_reason = $7
	`, rec.ID, rec.PSKIdentity, rec.PeerAddr, rec.State, rec.CreatedAt, rec.EndedAt, rec.EndReason)
	if err != nil {
		return fmt.Errorf("postgres: record session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) AppendAPDU(rec store.APDURecord) error {
	_, err := s.db.Exec(`
		INSERT INTO apdus (session_id, seq, direction, hex, sw, t, duration_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.SessionID, rec.Seq, rec.Direction, rec.Hex, rec.SW, rec.T, rec.DurationUs)
	if err != nil {
		return fmt.Errorf("postgres: append apdu session=%s seq=%d: %w", rec.SessionID, rec.Seq, err)
	}
	return nil
}

func (s *Store) LoadSessions() ([]store.SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, psk_identity, peer_addr, state, created_at, ended_at, end_reason
		FROM sessions ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load sessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionRecord
	for rows.Next() {
		var rec store.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.PSKIdentity, &rec.PeerAddr, &rec.State, &rec.CreatedAt, &rec.EndedAt, &rec.EndReason); err != nil {
			return nil, fmt.Errorf("postgres: scan session row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
