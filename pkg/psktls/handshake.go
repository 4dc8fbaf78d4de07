package psktls

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// TLS 1.2 record content types (RFC 5246 §6.2.1).
const (
	contentChangeCipherSpec byte = 20
	contentAlert            byte = 21
	contentHandshake        byte = 22
	contentApplicationData  byte = 23
)

// Handshake message types (RFC 5246 §7.4).
const (
	msgClientHello       byte = 1
	msgServerHello       byte = 2
	msgServerKeyExchange byte = 12
	msgServerHelloDone   byte = 14
	msgClientKeyExchange byte = 16
	msgFinished          byte = 20
)

const tls12VersionMajor, tls12VersionMinor = 3, 3

// handshakeMessage is the common header: 1-byte type + 24-bit length,
// followed by body. Encoding/decoding handshake bodies below operate
// on the body only; the header is added/stripped by marshal/parse.
func marshalHandshake(msgType byte, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = msgType
	out[1] = byte(len(body) >> 16)
	out[2] = byte(len(body) >> 8)
	out[3] = byte(len(body))
	copy(out[4:], body)
	return out
}

func parseHandshakeHeader(b []byte) (msgType byte, length int, err error) {
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("psktls: truncated handshake header")
	}
	length = int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	return b[0], length, nil
}

// clientHello carries the PSK-capable cipher suite list; no
// extensions are sent since this protocol never negotiates
// certificates, SNI, or resumption.
type clientHello struct {
	random       [32]byte
	sessionID    []byte
	cipherSuites []CipherSuite
}

func newRandom() ([32]byte, error) {
	var r [32]byte
	_, err := rand.Read(r[:])
	return r, err
}

func (c *clientHello) marshalBody() []byte {
	out := make([]byte, 0, 2+32+1+len(c.sessionID)+2+2*len(c.cipherSuites)+2)
	out = append(out, tls12VersionMajor, tls12VersionMinor)
	out = append(out, c.random[:]...)
	out = append(out, byte(len(c.sessionID)))
	out = append(out, c.sessionID...)
	suites := make([]byte, 2*len(c.cipherSuites))
	for i, cs := range c.cipherSuites {
		binary.BigEndian.PutUint16(suites[2*i:], uint16(cs))
	}
	out = append(out, byte(len(suites)>>8), byte(len(suites)))
	out = append(out, suites...)
	out = append(out, 1, 0) // compression methods: [null]
	return out
}

func parseClientHello(body []byte) (*clientHello, error) {
	if len(body) < 2+32+1 {
		return nil, fmt.Errorf("psktls: truncated client hello")
	}
	off := 2
	ch := &clientHello{}
	copy(ch.random[:], body[off:off+32])
	off += 32
	sidLen := int(body[off])
	off++
	if len(body) < off+sidLen+2 {
		return nil, fmt.Errorf("psktls: truncated client hello session id")
	}
	ch.sessionID = append([]byte{}, body[off:off+sidLen]...)
	off += sidLen
	suitesLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	if len(body) < off+suitesLen {
		return nil, fmt.Errorf("psktls: truncated client hello cipher suites")
	}
	for i := 0; i < suitesLen; i += 2 {
		ch.cipherSuites = append(ch.cipherSuites, CipherSuite(binary.BigEndian.Uint16(body[off+i:])))
	}
	return ch, nil
}

type serverHello struct {
	random      [32]byte
	sessionID   []byte
	cipherSuite CipherSuite
}

func (s *serverHello) marshalBody() []byte {
	out := make([]byte, 0, 2+32+1+len(s.sessionID)+2+1)
	out = append(out, tls12VersionMajor, tls12VersionMinor)
	out = append(out, s.random[:]...)
	out = append(out, byte(len(s.sessionID)))
	out = append(out, s.sessionID...)
	out = append(out, byte(s.cipherSuite>>8), byte(s.cipherSuite))
	out = append(out, 0) // compression method: null
	return out
}

func parseServerHello(body []byte) (*serverHello, error) {
	if len(body) < 2+32+1 {
		return nil, fmt.Errorf("psktls: truncated server hello")
	}
	off := 2
	sh := &serverHello{}
	copy(sh.random[:], body[off:off+32])
	off += 32
	sidLen := int(body[off])
	off++
	if len(body) < off+sidLen+2 {
		return nil, fmt.Errorf("psktls: truncated server hello session id")
	}
	sh.sessionID = append([]byte{}, body[off:off+sidLen]...)
	off += sidLen
	sh.cipherSuite = CipherSuite(int(body[off])<<8 | int(body[off+1]))
	return sh, nil
}

// serverKeyExchange carries the PSK identity hint (RFC 4279 §3): a
// UTF-8 string, up to 128 bytes per spec.md §6, telling the client
// which identity/key pair the server expects.
type serverKeyExchange struct {
	identityHint []byte
}

func (s *serverKeyExchange) marshalBody() []byte {
	out := make([]byte, 0, 2+len(s.identityHint))
	out = append(out, byte(len(s.identityHint)>>8), byte(len(s.identityHint)))
	out = append(out, s.identityHint...)
	return out
}

func parseServerKeyExchange(body []byte) (*serverKeyExchange, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("psktls: truncated server key exchange")
	}
	n := int(body[0])<<8 | int(body[1])
	if len(body) < 2+n {
		return nil, fmt.Errorf("psktls: truncated server key exchange identity hint")
	}
	return &serverKeyExchange{identityHint: append([]byte{}, body[2:2+n]...)}, nil
}

// clientKeyExchange carries only the PSK identity (RFC 4279 §2); the
// server derives the same pre-master secret from its own KeyStore
// lookup rather than receiving key material on the wire.
type clientKeyExchange struct {
	identity []byte
}

func (c *clientKeyExchange) marshalBody() []byte {
	out := make([]byte, 0, 2+len(c.identity))
	out = append(out, byte(len(c.identity)>>8), byte(len(c.identity)))
	out = append(out, c.identity...)
	return out
}

func parseClientKeyExchange(body []byte) (*clientKeyExchange, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("psktls: truncated client key exchange")
	}
	n := int(body[0])<<8 | int(body[1])
	if len(body) < 2+n {
		return nil, fmt.Errorf("psktls: truncated client key exchange identity")
	}
	return &clientKeyExchange{identity: append([]byte{}, body[2:2+n]...)}, nil
}

const verifyDataLen = 12

type finished struct {
	verifyData []byte
}

func (f *finished) marshalBody() []byte { return f.verifyData }

func parseFinished(body []byte) (*finished, error) {
	if len(body) != verifyDataLen {
		return nil, fmt.Errorf("psktls: bad finished length %d", len(body))
	}
	return &finished{verifyData: append([]byte{}, body...)}, nil
}
