// Package scp81err defines the closed error-kind taxonomy used across
// the admin server core, matching the classification in spec §7 so
// that every component reports failures the same way instead of
// inventing ad-hoc error types per package.
package scp81err

import "fmt"

// Kind is one of the seven error kinds the core recognises. Kinds are
// not Go types: every component-level error is classified into one of
// these at the point it's raised.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindHandshake     Kind = "handshake"
	KindProtocol      Kind = "protocol"
	KindTimeout       Kind = "timeout"
	KindScript        Kind = "script"
	KindConfiguration Kind = "configuration"
	KindInternal      Kind = "internal"
)

// Error is the concrete error value carried across goroutine
// boundaries via events or typed results, never via panic.
type Error struct {
	Kind   Kind
	Reason string // stable machine-readable reason, e.g. "timeout_active_idle"
	Err    error
}

func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind+reason without caring about the
// wrapped cause, e.g. errors.Is(err, scp81err.New(KindTimeout, "timeout_active_idle", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

func Transport(reason string, cause error) *Error     { return New(KindTransport, reason, cause) }
func Handshake(reason string, cause error) *Error     { return New(KindHandshake, reason, cause) }
func Protocol(reason string, cause error) *Error      { return New(KindProtocol, reason, cause) }
func Timeout(reason string, cause error) *Error       { return New(KindTimeout, reason, cause) }
func Script(reason string, cause error) *Error        { return New(KindScript, reason, cause) }
func Configuration(reason string, cause error) *Error { return New(KindConfiguration, reason, cause) }
func Internal(reason string, cause error) *Error      { return New(KindInternal, reason, cause) }
