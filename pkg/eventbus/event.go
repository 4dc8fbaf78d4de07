package eventbus

import "time"

// Type enumerates the tagged variants from spec §3.
type Type string

const (
	ServerStarted       Type = "server_started"
	ServerStopped       Type = "server_stopped"
	HandshakeCompleted  Type = "handshake_completed"
	HandshakeFailed     Type = "handshake_failed"
	SessionStarted      Type = "session_started"
	SessionEnded        Type = "session_ended"
	APDUReceived        Type = "apdu_received"
	APDUSent            Type = "apdu_sent"
	PSKMismatchFlood    Type = "psk_mismatch_flood"
	ErrorRateExceeded   Type = "error_rate_exceeded"
)

// Event is the envelope carried on the bus. SessionID is empty for
// server-scoped events (server_started/stopped, psk_mismatch_flood).
// Payload never carries PSK key bytes (testable property 6) — the
// concrete payload types below only ever reference PSK identities.
type Event struct {
	Type      Type
	Seq       uint64
	SessionID string
	Timestamp time.Time
	Payload   interface{}
}

// HandshakeCompletedPayload accompanies HandshakeCompleted.
type HandshakeCompletedPayload struct {
	CipherSuite string
	Identity    string
	PeerAddr    string
	Duration    time.Duration
}

// HandshakeFailedPayload accompanies HandshakeFailed. Identity is
// "<unknown>" and CipherSuite is "<none negotiated>" when the failure
// happened before either was established, per spec §7.
type HandshakeFailedPayload struct {
	Reason      string
	CipherSuite string
	Identity    string
	PeerAddr    string
	Duration    time.Duration
}

// SessionStartedPayload accompanies SessionStarted.
type SessionStartedPayload struct {
	PSKIdentity string
	PeerAddr    string
}

// SessionEndedPayload accompanies SessionEnded.
type SessionEndedPayload struct {
	Reason string
}

// APDUEventPayload accompanies APDUSent/APDUReceived.
type APDUEventPayload struct {
	Direction string // "sent" or "received"
	Hex       string // encoded bytes, hex — never a PSK key
	SW        uint16 // only set for direction=received
	Duration  time.Duration
	// Chained marks an exchange the session manager inserted on its
	// own initiative (a 61xx GET RESPONSE or a 6Cxx Le-corrected
	// retry, spec.md §4.4) rather than one drawn directly from the
	// next queued script command. pkg/script uses this to track
	// per-command completion without miscounting the extra legs of a
	// 61xx/6Cxx chain (spec.md E3).
	Chained bool
}

// PSKMismatchFloodPayload accompanies PSKMismatchFlood.
type PSKMismatchFloodPayload struct {
	PeerIP       string
	FailureCount int
	WindowSecs   int
}

// ErrorRateExceededPayload accompanies ErrorRateExceeded.
type ErrorRateExceededPayload struct {
	Scope  string // e.g. "session", "server"
	Detail string
}
