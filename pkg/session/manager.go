package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/metrics"
	"github.com/scp81lab/adminserver/pkg/store"
)

// Enqueuer is the capability pkg/script needs from a live session: the
// ability to append a command to its queue. Defined here rather than
// in pkg/script so that *Handle satisfies it structurally without
// this package importing the script engine (spec.md §5's "events and
// narrow interfaces, not shared state" wiring style).
type Enqueuer interface {
	Enqueue(cmd QueueItem) error
	Cancel() (drained int)
}

// Handle is the external, goroutine-safe view of one live session. All
// methods round-trip through the session's own actor goroutine.
type Handle struct {
	id string
	s  *session
}

func (h *Handle) ID() string { return h.id }

// Enqueue appends a command to the session's script queue.
func (h *Handle) Enqueue(item QueueItem) error {
	resp := make(chan error, 1)
	select {
	case h.s.ops <- opEnqueue{item: item, resp: resp}:
	case <-h.s.done:
		return fmt.Errorf("session %s: already closed", h.id)
	}
	return <-resp
}

// Cancel drops every command currently queued (but not one already in
// flight); it implements the "drain queue, do not abort outstanding"
// cancellation semantics.
func (h *Handle) Cancel() (drained int) {
	resp := make(chan int, 1)
	select {
	case h.s.ops <- opCancelQueue{resp: resp}:
	case <-h.s.done:
		return 0
	}
	return <-resp
}

// Inbound delivers one GP Admin pull request body (nil on the very
// first pull) and returns the next command or a queue-drained signal.
func (h *Handle) Inbound(rAPDU []byte) InboundResult {
	resp := make(chan InboundResult, 1)
	select {
	case h.s.ops <- opInbound{rAPDU: rAPDU, resp: resp}:
	case <-h.s.done:
		return InboundResult{Closing: true}
	}
	return <-resp
}

// Snapshot returns an immutable copy of the session's current state.
func (h *Handle) Snapshot() Snapshot {
	resp := make(chan Snapshot, 1)
	select {
	case h.s.ops <- opSnapshot{resp: resp}:
	case <-h.s.done:
		return h.s.snapshot()
	}
	return <-resp
}

func (h *Handle) shutdown(timeout time.Duration) {
	resp := make(chan struct{})
	select {
	case h.s.ops <- opShutdown{deadline: timeout, resp: resp}:
		select {
		case <-resp:
		case <-time.After(timeout):
		}
	case <-h.s.done:
	}
}

// Manager is the registry of live sessions (C4), grounded on the
// teacher's correlation engine: a mutex-guarded map handed out as
// immutable handles/snapshots, with the actual mutable state owned by
// one goroutine per entry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Handle

	bus   *eventbus.Bus
	sink  metrics.Sink
	store store.SessionStore
	log   *logger.Logger

	totalCreated atomic.Int64
}

func NewManager(bus *eventbus.Bus, sink metrics.Sink, st store.SessionStore, log *logger.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Handle),
		bus:      bus,
		sink:     sink,
		store:    st,
		log:      log.WithComponent("session_manager"),
	}
}

// Create registers a new session for a just-completed handshake and
// starts its actor goroutine. The caller (the GP Admin HTTP framer,
// C2) owns the handle for the lifetime of the underlying TLS connection.
func (m *Manager) Create(pskIdentity, peerAddr string) (*Handle, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("session: generating id: %w", err)
	}

	s := newSession(id, pskIdentity, peerAddr, m.bus, m.sink, m.store, m.log)
	h := &Handle{id: id, s: s}

	m.mu.Lock()
	m.sessions[id] = h
	m.mu.Unlock()
	m.totalCreated.Add(1)

	s.start()
	go m.reap(h)

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type:      eventbus.SessionStarted,
			SessionID: id,
			Payload:   eventbus.SessionStartedPayload{PSKIdentity: pskIdentity, PeerAddr: peerAddr},
		})
	}
	return h, nil
}

// reap deregisters a session once its actor goroutine exits, so List
// and Get never return a dead session.
func (m *Manager) reap(h *Handle) {
	<-h.s.done
	m.mu.Lock()
	delete(m.sessions, h.id)
	m.mu.Unlock()
}

// TotalCreated returns the number of sessions ever created, live or not.
func (m *Manager) TotalCreated() int64 { return m.totalCreated.Load() }

// ActiveCount returns the number of currently live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	return h, ok
}

// List returns a snapshot of every currently live session, ordered by
// nothing in particular (the REST façade returns them in this order).
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// Shutdown asks every live session to close and waits up to ctx's
// deadline for them to do so.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	remaining := time.Until(deadlineOrDefault(ctx, 5*time.Second))
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.shutdown(remaining)
		}(h)
	}
	wg.Wait()
}

func deadlineOrDefault(ctx context.Context, d time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(d)
}

// sessionSeq disambiguates ids minted within the same millisecond so
// newSessionID stays strictly increasing under concurrent Create calls.
var sessionSeq atomic.Uint64

// newSessionID builds a ULID-like identifier: a millisecond timestamp
// prefix, so ids sort in creation order as spec §3 requires, followed
// by a monotonic counter that breaks ties within one millisecond and a
// random suffix that keeps ids unguessable. No ULID package is part of
// this module's dependency set, so the encoding is hand-rolled from
// time and crypto/rand rather than adding a dependency for one field.
func newSessionID() (string, error) {
	ts := uint64(time.Now().UnixMilli())
	seq := sessionSeq.Add(1) & 0xffffff

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}

	return fmt.Sprintf("%010x%06x%s", ts, seq, hex.EncodeToString(suffix)), nil
}
