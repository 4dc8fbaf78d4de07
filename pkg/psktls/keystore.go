package psktls

import "errors"

// ErrIdentityNotFound is the error ServerHandshake wraps (with the
// offered identity appended) when the KeyStore has no key for the
// identity the client sent.
var ErrIdentityNotFound = errors.New("psktls: unknown psk identity")

// KeyStore resolves a PSK identity to its key bytes. Implementations
// must be safe for concurrent lookup (spec.md §5) and must never be
// asked to enumerate identities — the core only ever looks one up by
// name, keeping the interface minimal enough to back with a flat
// file, a secrets manager, or an HSM without change here.
type KeyStore interface {
	Lookup(identity string) (key []byte, ok bool)
}
