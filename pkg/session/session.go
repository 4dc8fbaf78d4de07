// Package session implements the per-connection session state
// machine (C4): request/response correlation over the GP Admin
// pull protocol, the APDU script queue, and the HANDSHAKING ->
// CONNECTED -> ACTIVE -> CLOSING -> {CLOSED, FAILED} lifecycle of
// spec.md §4.4. Grounded on the teacher's pkg/correlation
// correlation engine: a mutex-guarded registry of live
// handles (Manager) in front of state that is otherwise owned
// exclusively by one goroutine per tracked entity (Session), rewired
// from subscriber-identifier correlation onto APDU script state.
package session

import (
	"time"

	"github.com/scp81lab/adminserver/pkg/apdu"
)

// State is one node of the spec.md §4.4 state machine.
type State string

const (
	StateHandshaking State = "HANDSHAKING"
	StateConnected   State = "CONNECTED"
	StateActive      State = "ACTIVE"
	StateClosing     State = "CLOSING"
	StateClosed      State = "CLOSED"
	StateFailed      State = "FAILED"
)

// Thresholds from spec.md §4.4.
const (
	TInit       = 30 * time.Second
	TActiveIdle = 60 * time.Second
	TSessionMax = 300 * time.Second
)

// HistoryEntry is one exchange leg, matching spec.md §3's Session
// "history" attribute.
type HistoryEntry struct {
	Direction string // "sent" or "received"
	CommandHex string // hex of the encoded C-APDU, set on direction=sent
	ResponseHex string // hex of the encoded R-APDU, set on direction=received
	SW        uint16
	T         time.Time
	Duration  time.Duration
	Chained   bool
}

// QueueItem is one pending command plus the script-level error policy
// that applies to it (spec.md §4.4's error policy is a session
// concern; spec.md §4.6 assigns the flag per-script at enqueue time).
type QueueItem struct {
	Cmd         apdu.Command
	StopOnError bool
}

// Snapshot is an immutable copy of a session's externally-visible
// state, returned by Handle.Snapshot and Manager.List. Sessions never hand out direct
// field access (spec.md §5: "No session field is read by any other
// task directly"); every read goes through the session's own
// goroutine via a request/response channel.
type Snapshot struct {
	ID             string
	PSKIdentity    string
	PeerAddr       string
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
	QueueLen       int
	HasOutstanding bool
	History        []HistoryEntry
}
