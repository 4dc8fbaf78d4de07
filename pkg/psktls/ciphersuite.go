// Package psktls implements a TLS 1.2 record layer and handshake
// restricted to the RFC 4279 PSK key-exchange cipher suites. Go's
// standard crypto/tls dropped PSK cipher suite support; no maintained
// third-party TLS-PSK (as opposed to DTLS-PSK or TLS1.3 PSK
// resumption) implementation exists in this module's dependency
// lineage, so the record layer and handshake state machine are built
// directly on crypto/aes, crypto/cipher, crypto/hmac, crypto/sha256,
// crypto/sha512 and crypto/rand. One Conn type serves both roles; the
// client and server handshakes are separate linear routines
// (runClientHandshake, runServerHandshake), and a handshakeDone flag
// gates application data.
package psktls

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// CipherSuite identifies one of the PSK suites spec.md §4.3 permits.
type CipherSuite uint16

// Wire IDs match the IANA TLS cipher suite registry.
const (
	TLS_PSK_WITH_AES_128_CBC_SHA256 CipherSuite = 0x00AE
	TLS_PSK_WITH_AES_256_CBC_SHA384 CipherSuite = 0x00AF
	TLS_PSK_WITH_AES_128_CBC_SHA    CipherSuite = 0x008C
	TLS_PSK_WITH_AES_256_CBC_SHA    CipherSuite = 0x008D
	TLS_PSK_WITH_NULL_SHA256        CipherSuite = 0x00B0
	TLS_PSK_WITH_NULL_SHA384        CipherSuite = 0x00B1
)

// Tier selects which cipher suites a listener or dialer will offer.
// Matches the three configuration tiers of spec.md §4.3.
type Tier string

const (
	TierProduction Tier = "production"
	TierLegacy     Tier = "legacy"
	TierDebugOnly  Tier = "debug_only"
)

// SuitesForTier returns the cipher suites permitted at a tier, most
// preferred first. DebugOnly additionally requires explicit opt-in at
// the caller (spec.md §4.3: "emits a warning event on start").
func SuitesForTier(t Tier) []CipherSuite {
	switch t {
	case TierProduction:
		return []CipherSuite{TLS_PSK_WITH_AES_128_CBC_SHA256, TLS_PSK_WITH_AES_256_CBC_SHA384}
	case TierLegacy:
		return []CipherSuite{
			TLS_PSK_WITH_AES_128_CBC_SHA256, TLS_PSK_WITH_AES_256_CBC_SHA384,
			TLS_PSK_WITH_AES_128_CBC_SHA, TLS_PSK_WITH_AES_256_CBC_SHA,
		}
	case TierDebugOnly:
		return []CipherSuite{
			TLS_PSK_WITH_AES_128_CBC_SHA256, TLS_PSK_WITH_AES_256_CBC_SHA384,
			TLS_PSK_WITH_AES_128_CBC_SHA, TLS_PSK_WITH_AES_256_CBC_SHA,
			TLS_PSK_WITH_NULL_SHA256, TLS_PSK_WITH_NULL_SHA384,
		}
	default:
		return nil
	}
}

// suiteParams describes the key material and primitives a cipher
// suite needs: the PRF hash, the record MAC hash, and the bulk cipher
// key length (0 for the NULL suites used only in debug tiers).
type suiteParams struct {
	prfHash   func() hash.Hash
	macHash   func() hash.Hash
	macKeyLen int
	encKeyLen int // 0 means NULL cipher (MAC-only, no confidentiality)
	blockSize int
}

func paramsFor(cs CipherSuite) (suiteParams, bool) {
	switch cs {
	case TLS_PSK_WITH_AES_128_CBC_SHA256:
		return suiteParams{sha256.New, sha256.New, 32, 16, 16}, true
	case TLS_PSK_WITH_AES_256_CBC_SHA384:
		return suiteParams{sha512.New384, sha512.New384, 48, 32, 16}, true
	case TLS_PSK_WITH_AES_128_CBC_SHA:
		return suiteParams{sha256.New, newSHA1, 20, 16, 16}, true
	case TLS_PSK_WITH_AES_256_CBC_SHA:
		return suiteParams{sha256.New, newSHA1, 20, 32, 16}, true
	case TLS_PSK_WITH_NULL_SHA256:
		return suiteParams{sha256.New, sha256.New, 32, 0, 0}, true
	case TLS_PSK_WITH_NULL_SHA384:
		return suiteParams{sha512.New384, sha512.New384, 48, 0, 0}, true
	default:
		return suiteParams{}, false
	}
}

// String renders a cipher suite the way it appears in log fields and
// handshake_completed/handshake_failed events.
func (cs CipherSuite) String() string {
	switch cs {
	case TLS_PSK_WITH_AES_128_CBC_SHA256:
		return "TLS_PSK_WITH_AES_128_CBC_SHA256"
	case TLS_PSK_WITH_AES_256_CBC_SHA384:
		return "TLS_PSK_WITH_AES_256_CBC_SHA384"
	case TLS_PSK_WITH_AES_128_CBC_SHA:
		return "TLS_PSK_WITH_AES_128_CBC_SHA"
	case TLS_PSK_WITH_AES_256_CBC_SHA:
		return "TLS_PSK_WITH_AES_256_CBC_SHA"
	case TLS_PSK_WITH_NULL_SHA256:
		return "TLS_PSK_WITH_NULL_SHA256"
	case TLS_PSK_WITH_NULL_SHA384:
		return "TLS_PSK_WITH_NULL_SHA384"
	default:
		return "<unknown cipher suite>"
	}
}

func isDebugOnly(cs CipherSuite) bool {
	return cs == TLS_PSK_WITH_NULL_SHA256 || cs == TLS_PSK_WITH_NULL_SHA384
}
