// Package memstore is an in-process pkg/store.SessionStore, used by
// tests and the session_store.backend: memory configuration setting. It keeps
// sessions and their APDU history append-only, matching the
// persisted-state invariant in spec.md §6.
package memstore

import (
	"fmt"
	"sync"

	"github.com/scp81lab/adminserver/pkg/store"
)

// Store is a mutex-guarded in-memory SessionStore.
type Store struct {
	mu       sync.Mutex
	sessions map[string]store.SessionRecord
	order    []string
	apdus    map[string][]store.APDURecord
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]store.SessionRecord),
		apdus:    make(map[string][]store.APDURecord),
	}
}

func (s *Store) RecordSession(rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *Store) AppendAPDU(rec store.APDURecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.SessionID]; !ok {
		return fmt.Errorf("memstore: append apdu for unknown session %q", rec.SessionID)
	}
	s.apdus[rec.SessionID] = append(s.apdus[rec.SessionID], rec)
	return nil
}

func (s *Store) LoadSessions() ([]store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SessionRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out, nil
}

// APDUHistory returns the recorded APDU exchanges for a session, in
// append order. Used by tests (the REST façade's session-detail
// endpoint reads history from the live session instead); not part of
// the SessionStore interface itself since
// spec.md only names record_session/append_apdu/load_sessions there.
func (s *Store) APDUHistory(sessionID string) []store.APDURecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.APDURecord, len(s.apdus[sessionID]))
	copy(out, s.apdus[sessionID])
	return out
}
