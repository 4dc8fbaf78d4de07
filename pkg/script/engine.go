// Package script implements the Script Engine (C6): an ordered list
// of APDU commands is bound to one session at a time and fed into its
// queue; results are collected as each command's R-APDU is correlated
// back, grounded on the teacher's pkg/analytics/kpi.go result
// aggregation style (per-procedure counters and latency tracking),
// here repurposed to per-command (sent, received, duration,
// matched_expectation) tuples instead of telecom KPI percentiles.
package script

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/apdu"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/session"
)

// ErrUnknownScript is returned by Cancel/Status for an id the engine
// never issued or has already forgotten.
var ErrUnknownScript = errors.New("script: unknown script id")

// ErrUnknownSession is returned by Enqueue when the session lookup
// reports no live session for the given id.
var ErrUnknownSession = errors.New("script: unknown session id")

// Command is one script step: a C-APDU, the session-level error
// policy that applies to it, and an optional expected status word
// (spec.md §4.6's matched_expectation).
type Command struct {
	Cmd         apdu.Command
	StopOnError bool
	ExpectedSW  *uint16
}

// Script is an ordered list of commands bound to exactly one session
// at enqueue time (spec.md §3's Script lifecycle).
type Script struct {
	Commands []Command
}

// State is the lifecycle of one ScriptResult.
type State string

const (
	StateRunning           State = "running"
	StateCompleted         State = "completed"
	StateCancelled         State = "cancelled"
	StateSessionTerminated State = "session_terminated"
)

// CommandResult is one resolved (or still pending) step of a script.
type CommandResult struct {
	SentHex            string
	ReceivedHex        string
	SW                 uint16
	Duration           time.Duration
	MatchedExpectation *bool // nil when the command had no ExpectedSW
}

// ScriptResult is the immutable snapshot Status returns.
type ScriptResult struct {
	ID        string
	SessionID string
	State     State
	Results   []CommandResult
}

// Lookup resolves a session id to the narrow Enqueue/Cancel capability
// the engine needs, without this package importing pkg/session's
// Manager directly — callers typically pass `mgr.Get` adapted to this
// signature.
type Lookup func(sessionID string) (session.Enqueuer, bool)

// Engine is the C6 script scheduler.
type Engine struct {
	mu      sync.Mutex
	runs    map[string]*run
	active  map[string]string   // sessionID -> active script id
	pending map[string][]string // sessionID -> queued script ids awaiting activation

	lookup Lookup
	bus    *eventbus.Bus
	log    *logger.Logger
	unsub  func()
}

type run struct {
	mu        sync.Mutex
	id        string
	sessionID string
	commands  []Command
	results   []CommandResult
	sentIdx   int // next command index awaiting its "sent" event
	recvIdx   int // next command index awaiting its "received" event
	state     State
}

// New creates a script engine and subscribes it to bus for APDU and
// session-lifecycle events.
func New(lookup Lookup, bus *eventbus.Bus, log *logger.Logger) *Engine {
	e := &Engine{
		runs:    make(map[string]*run),
		active:  make(map[string]string),
		pending: make(map[string][]string),
		lookup:  lookup,
		bus:     bus,
		log:     log.WithComponent("script_engine"),
	}
	if bus != nil {
		e.unsub = bus.Subscribe(func(ev eventbus.Event) bool {
			switch ev.Type {
			case eventbus.APDUSent, eventbus.APDUReceived, eventbus.SessionEnded:
				return true
			default:
				return false
			}
		}, e.onEvent)
	}
	return e
}

// Close unsubscribes the engine from the event bus.
func (e *Engine) Close() {
	if e.unsub != nil {
		e.unsub()
	}
}

// Enqueue binds a script to a session. If another script is already
// active for that session, this one waits in the per-session FIFO
// (spec.md §4.6) and is activated once the current one finishes.
func (e *Engine) Enqueue(sessionID string, s Script) (string, error) {
	enq, ok := e.lookup(sessionID)
	if !ok {
		return "", ErrUnknownSession
	}

	id, err := newID()
	if err != nil {
		return "", fmt.Errorf("script: generating id: %w", err)
	}
	r := &run{
		id:        id,
		sessionID: sessionID,
		commands:  s.Commands,
		results:   make([]CommandResult, len(s.Commands)),
		state:     StateRunning,
	}

	e.mu.Lock()
	e.runs[id] = r
	_, hasActive := e.active[sessionID]
	if hasActive {
		e.pending[sessionID] = append(e.pending[sessionID], id)
		e.mu.Unlock()
		return id, nil
	}
	e.active[sessionID] = id
	e.mu.Unlock()

	e.push(r, enq)
	return id, nil
}

func (e *Engine) push(r *run, enq session.Enqueuer) {
	for _, cmd := range r.commands {
		if err := enq.Enqueue(session.QueueItem{Cmd: cmd.Cmd, StopOnError: cmd.StopOnError}); err != nil {
			e.log.Warn("enqueue into session failed", "script_id", r.id, "session_id", r.sessionID, "error", err.Error())
			return
		}
	}
}

// Cancel drains the remaining queue for a script without aborting any
// command already in flight (spec.md §4.6/§9's resolved Open Question).
func (e *Engine) Cancel(scriptID string) error {
	e.mu.Lock()
	r, ok := e.runs[scriptID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownScript
	}
	sessionID := r.sessionID
	isActive := e.active[sessionID] == scriptID
	e.removeFromPending(sessionID, scriptID)
	e.mu.Unlock()

	r.mu.Lock()
	if r.state == StateRunning {
		r.state = StateCancelled
	}
	r.mu.Unlock()

	if isActive {
		if enq, ok := e.lookup(sessionID); ok {
			enq.Cancel()
		}
		e.activateNext(sessionID)
	}
	return nil
}

func (e *Engine) removeFromPending(sessionID, scriptID string) {
	list := e.pending[sessionID]
	for i, id := range list {
		if id == scriptID {
			e.pending[sessionID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Status returns a snapshot of a script's progress.
func (e *Engine) Status(scriptID string) (ScriptResult, error) {
	e.mu.Lock()
	r, ok := e.runs[scriptID]
	e.mu.Unlock()
	if !ok {
		return ScriptResult{}, ErrUnknownScript
	}
	return r.snapshot(), nil
}

func (r *run) snapshot() ScriptResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]CommandResult, len(r.results))
	copy(results, r.results)
	return ScriptResult{ID: r.id, SessionID: r.sessionID, State: r.state, Results: results}
}

func (e *Engine) onEvent(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.APDUSent, eventbus.APDUReceived:
		payload, ok := ev.Payload.(eventbus.APDUEventPayload)
		if !ok || payload.Chained {
			return
		}
		e.mu.Lock()
		scriptID, ok := e.active[ev.SessionID]
		e.mu.Unlock()
		if !ok {
			return
		}
		e.mu.Lock()
		r := e.runs[scriptID]
		e.mu.Unlock()
		if r == nil {
			return
		}
		if ev.Type == eventbus.APDUSent {
			e.recordSent(r, payload)
		} else {
			e.recordReceived(r, payload)
		}

	case eventbus.SessionEnded:
		e.terminateSession(ev.SessionID)
	}
}

func (e *Engine) recordSent(r *run, payload eventbus.APDUEventPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sentIdx >= len(r.results) {
		return
	}
	r.results[r.sentIdx].SentHex = payload.Hex
	r.sentIdx++
}

func (e *Engine) recordReceived(r *run, payload eventbus.APDUEventPayload) {
	r.mu.Lock()
	idx := r.recvIdx
	if idx >= len(r.results) {
		r.mu.Unlock()
		return
	}
	r.results[idx].ReceivedHex = payload.Hex
	r.results[idx].SW = payload.SW
	r.results[idx].Duration = payload.Duration
	if exp := r.commands[idx].ExpectedSW; exp != nil {
		matched := *exp == payload.SW
		r.results[idx].MatchedExpectation = &matched
	}
	r.recvIdx++
	done := r.recvIdx >= len(r.results)
	if done {
		r.state = StateCompleted
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	if done {
		e.activateNext(sessionID)
	}
}

func (e *Engine) activateNext(sessionID string) {
	e.mu.Lock()
	delete(e.active, sessionID)
	var next string
	if list := e.pending[sessionID]; len(list) > 0 {
		next, list = list[0], list[1:]
		e.pending[sessionID] = list
		e.active[sessionID] = next
	}
	var r *run
	if next != "" {
		r = e.runs[next]
	}
	e.mu.Unlock()

	if r == nil {
		return
	}
	if enq, ok := e.lookup(sessionID); ok {
		e.push(r, enq)
	}
}

func (e *Engine) terminateSession(sessionID string) {
	e.mu.Lock()
	ids := append([]string{}, e.pending[sessionID]...)
	if active, ok := e.active[sessionID]; ok {
		ids = append(ids, active)
	}
	delete(e.active, sessionID)
	delete(e.pending, sessionID)
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		r := e.runs[id]
		e.mu.Unlock()
		if r == nil {
			continue
		}
		r.mu.Lock()
		if r.state == StateRunning {
			r.state = StateSessionTerminated
		}
		r.mu.Unlock()
	}
}

func newID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
