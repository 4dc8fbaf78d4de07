package session

import (
	"encoding/hex"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/internal/scp81err"
	"github.com/scp81lab/adminserver/pkg/apdu"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/metrics"
	"github.com/scp81lab/adminserver/pkg/store"
)

// InboundResult is what the GP Admin framer (C2) does with an inbound
// pull request once the session has processed it.
type InboundResult struct {
	CAPDU   []byte // next command bytes, or nil when Closing is true
	Closing bool   // true means send 204 No Content and close
	Err     error
}

type opEnqueue struct {
	item QueueItem
	resp chan error
}

type opInbound struct {
	rAPDU []byte // nil on the initial fetch
	resp  chan InboundResult
}

type opSnapshot struct {
	resp chan Snapshot
}

type opCancelQueue struct {
	resp chan int
}

type opShutdown struct {
	deadline time.Duration
	resp     chan struct{}
}

// session is the actor: all mutable fields below are touched only
// from run(), which is the sole goroutine for this session (spec.md
// §5's concurrency contract).
type session struct {
	id          string
	pskIdentity string
	peerAddr    string

	state              State
	createdAt          time.Time
	lastActivityAt     time.Time
	queue              []QueueItem
	outstanding        *QueueItem
	outstandingSentAt  time.Time
	lastSentWasChained bool
	nextIsChained      bool
	history            []HistoryEntry
	endReason          string

	ops  chan interface{}
	done chan struct{}

	bus   *eventbus.Bus
	sink  metrics.Sink
	store store.SessionStore
	log   *logger.Logger
}

func newSession(id, pskIdentity, peerAddr string, bus *eventbus.Bus, sink metrics.Sink, st store.SessionStore, log *logger.Logger) *session {
	now := time.Now()
	s := &session{
		id:             id,
		pskIdentity:    pskIdentity,
		peerAddr:       peerAddr,
		state:          StateHandshaking,
		createdAt:      now,
		lastActivityAt: now,
		ops:            make(chan interface{}), // unbuffered: a send succeeds only while run() is receiving
		done:           make(chan struct{}),
		bus:            bus,
		sink:           sink,
		store:          st,
		log:            log.WithComponent("session").WithComponent(id),
	}
	return s
}

func (s *session) start() {
	go s.run()
}

// run is the actor loop. A top-level recover converts any invariant
// violation into an InternalError rather than crashing the process
// (spec.md §7: "all cross-task propagation is via events ... never by
// panicking the worker").
func (s *session) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session goroutine panicked", scp81err.Internal("recovered panic", nil), "panic", r)
			s.finish(StateFailed, "internal_error")
		}
	}()

	s.transitionTo(StateConnected, "handshake_ok")
	s.persist()

	initTimer := time.NewTimer(TInit)
	var activeTimer, maxTimer *time.Timer
	defer initTimer.Stop()
	stopTimer := func(t *time.Timer) {
		if t != nil {
			t.Stop()
		}
	}
	defer func() { stopTimer(activeTimer); stopTimer(maxTimer) }()

	for {
		var initC, activeC, maxC <-chan time.Time
		if initTimer != nil {
			initC = initTimer.C
		}
		if activeTimer != nil {
			activeC = activeTimer.C
		}
		if maxTimer != nil {
			maxC = maxTimer.C
		}

		select {
		case op := <-s.ops:
			switch o := op.(type) {
			case opInbound:
				if s.state == StateConnected {
					stopTimer(initTimer)
					initTimer = nil
					s.transitionTo(StateActive, "first_req")
					activeTimer = time.NewTimer(TActiveIdle)
					maxTimer = time.NewTimer(TSessionMax)
				}
				result := s.handleInbound(o.rAPDU)
				o.resp <- result
				if activeTimer != nil {
					stopTimer(activeTimer)
					activeTimer = time.NewTimer(TActiveIdle)
				}
				if result.Closing {
					s.transitionTo(StateClosing, "queue_drained")
					s.finish(StateClosed, "normal")
					return
				}

			case opEnqueue:
				s.queue = append(s.queue, o.item)
				o.resp <- nil

			case opCancelQueue:
				n := len(s.queue)
				s.queue = nil
				o.resp <- n

			case opSnapshot:
				o.resp <- s.snapshot()

			case opShutdown:
				s.finish(StateClosed, "shutdown")
				close(o.resp)
				return
			}

		case <-initC:
			s.finish(StateClosed, "timeout_init")
			return

		case <-activeC:
			s.finish(StateFailed, "timeout_active_idle")
			return

		case <-maxC:
			s.finish(StateFailed, "timeout_session_max")
			return
		}
	}
}

func (s *session) transitionTo(next State, reason string) {
	s.log.Debug("session state transition", "from", s.state, "to", next, "reason", reason)
	s.state = next
}

// persist writes the session's current (non-terminal) state so that
// AppendAPDU's foreign-key-style check in memstore/postgres has a row
// to attach history to before the session ever reaches a final state.
func (s *session) persist() {
	if s.store == nil {
		return
	}
	_ = s.store.RecordSession(store.SessionRecord{
		ID: s.id, PSKIdentity: s.pskIdentity, PeerAddr: s.peerAddr,
		State: string(s.state), CreatedAt: s.createdAt,
	})
}

func (s *session) finish(final State, reason string) {
	s.transitionTo(final, reason)
	s.endReason = reason
	s.lastActivityAt = time.Now()
	if s.store != nil {
		ended := time.Now()
		_ = s.store.RecordSession(store.SessionRecord{
			ID: s.id, PSKIdentity: s.pskIdentity, PeerAddr: s.peerAddr,
			State: string(final), CreatedAt: s.createdAt, EndedAt: &ended, EndReason: reason,
		})
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:      eventbus.SessionEnded,
			SessionID: s.id,
			Payload:   eventbus.SessionEndedPayload{Reason: reason},
		})
	}
}

// handleInbound implements spec.md §4.4's three-step correlation:
// pair the previous response, dequeue/chain the next command, and
// decide between a C-APDU response or a queue-drained 204.
func (s *session) handleInbound(body []byte) InboundResult {
	s.lastActivityAt = time.Now()

	if s.outstanding != nil {
		if err := s.pairResponse(body); err != nil {
			s.finish(StateFailed, "malformed_response")
			return InboundResult{Err: err}
		}
	}

	// outstanding may already be set by pairResponse (61xx/6Cxx chaining).
	if s.outstanding == nil {
		if len(s.queue) == 0 {
			return InboundResult{Closing: true}
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.outstanding = &item
		s.nextIsChained = false
	}

	return s.sendOutstanding()
}

// pairResponse decodes the R-APDU for the current outstanding command
// and applies the 61xx/6Cxx/error-class policy of spec.md §4.4.
func (s *session) pairResponse(body []byte) error {
	sentAt := s.outstandingSentAt
	resp, err := apdu.DecodeResponse(body)
	if err != nil {
		return err
	}
	duration := time.Since(sentAt)
	s.recordHistory(HistoryEntry{Direction: "received", ResponseHex: hex.EncodeToString(body), SW: resp.SW(), T: time.Now(), Duration: duration, Chained: s.lastSentWasChained})
	s.publishAPDU(eventbus.APDUReceived, "received", body, resp.SW(), duration, s.lastSentWasChained)
	if s.sink != nil {
		s.sink.ObserveHistogram("apdu_round_trip", map[string]string{"session": s.id}, duration)
	}

	current := s.outstanding
	s.outstanding = nil

	sw := resp.SW()
	if length, ok := apdu.IsMoreDataAvailable(sw); ok {
		s.outstanding = &QueueItem{Cmd: *apdu.GetResponseCommand(length), StopOnError: current.StopOnError}
		s.nextIsChained = true
		return nil
	}
	if le, ok := apdu.IsRetryWithLe(sw); ok {
		retry := current.Cmd
		retry.Le = int(le)
		if retry.Le == 0 {
			retry.Le = apdu.MaxShortLe
		}
		s.outstanding = &QueueItem{Cmd: retry, StopOnError: current.StopOnError}
		s.nextIsChained = true
		return nil
	}

	if apdu.Classify(sw) == apdu.ClassError && current.StopOnError {
		s.queue = nil
	}
	return nil
}

func (s *session) sendOutstanding() InboundResult {
	chained := s.nextIsChained
	encoded, err := apdu.Encode(&s.outstanding.Cmd)
	if err != nil {
		s.finish(StateFailed, "malformed_command")
		return InboundResult{Err: err}
	}
	s.outstandingSentAt = time.Now()
	s.lastSentWasChained = chained
	s.recordHistory(HistoryEntry{Direction: "sent", CommandHex: hex.EncodeToString(encoded), T: s.outstandingSentAt, Chained: chained})
	s.publishAPDU(eventbus.APDUSent, "sent", encoded, 0, 0, chained)
	return InboundResult{CAPDU: encoded}
}

func (s *session) recordHistory(e HistoryEntry) {
	s.history = append(s.history, e)
	if s.store != nil {
		rec := store.APDURecord{SessionID: s.id, Seq: len(s.history), Direction: e.Direction, T: e.T, DurationUs: e.Duration.Microseconds(), SW: e.SW}
		if e.Direction == "sent" {
			rec.Hex = e.CommandHex
		} else {
			rec.Hex = e.ResponseHex
		}
		_ = s.store.AppendAPDU(rec)
	}
}

func (s *session) publishAPDU(evType eventbus.Type, direction string, raw []byte, sw uint16, duration time.Duration, chained bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:      evType,
		SessionID: s.id,
		Payload: eventbus.APDUEventPayload{
			Direction: direction,
			Hex:       hex.EncodeToString(raw),
			SW:        sw,
			Duration:  duration,
			Chained:   chained,
		},
	})
}

func (s *session) snapshot() Snapshot {
	hist := make([]HistoryEntry, len(s.history))
	copy(hist, s.history)
	return Snapshot{
		ID: s.id, PSKIdentity: s.pskIdentity, PeerAddr: s.peerAddr,
		State: s.state, CreatedAt: s.createdAt, LastActivityAt: s.lastActivityAt,
		QueueLen: len(s.queue), HasOutstanding: s.outstanding != nil, History: hist,
	}
}
