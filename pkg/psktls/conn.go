package psktls

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// Default timeouts from spec.md §4.3: TLS read is tolerant of
// high-latency mobile bearers; write is tighter, and the idle
// keepalive timeout is the longest of the three.
const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 300 * time.Second
)

// HandshakeInfo summarizes a completed or failed handshake for the
// handshake_completed/handshake_failed events (spec.md §4.3, §7).
type HandshakeInfo struct {
	CipherSuite CipherSuite
	Identity    string // "<unknown>" if never resolved
	PeerAddr    string
	Duration    time.Duration
}

// Conn is a single PSK-TLS 1.2 connection, server or client side. It
// implements net.Conn once the handshake completes; Read/Write before
// that return an error.
type Conn struct {
	raw      net.Conn
	br       *bufio.Reader
	isClient bool

	tier       Tier
	allowDebug bool

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	cipherSuite CipherSuite
	readCS      *cipherState
	writeCS     *cipherState
	params      suiteParams

	identity          string
	pending           []byte // leftover application-data bytes from a record larger than the caller's buffer
	masterSecretCache []byte

	handshakeDone bool
	Info          HandshakeInfo
}

func newConn(raw net.Conn, isClient bool, tier Tier, allowDebug bool) *Conn {
	return &Conn{
		raw:          raw,
		br:           bufio.NewReader(raw),
		isClient:     isClient,
		tier:         tier,
		allowDebug:   allowDebug,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		idleTimeout:  DefaultIdleTimeout,
	}
}

func (c *Conn) allowedSuites() []CipherSuite {
	suites := SuitesForTier(c.tier)
	if c.tier != TierDebugOnly {
		return suites
	}
	if !c.allowDebug {
		// Strip the NULL suites back out unless the caller opted in
		// explicitly, even when the configured tier is debug_only.
		filtered := suites[:0:0]
		for _, cs := range suites {
			if !isDebugOnly(cs) {
				filtered = append(filtered, cs)
			}
		}
		return filtered
	}
	return suites
}

// writeHandshakeMsg marshals, transcript-accumulates, and writes a
// handshake message as a plaintext handshake record (handshake
// records are always plaintext until ChangeCipherSpec switches the
// write cipher state).
func (c *Conn) writeHandshakeMsg(transcript *[]byte, msgType byte, body []byte) error {
	msg := marshalHandshake(msgType, body)
	*transcript = append(*transcript, msg...)
	return writeRecord(c.raw, contentHandshake, msg, nil)
}

// readHandshakeMsg reads one handshake message, optionally decrypting
// it under cs (nil before ChangeCipherSpec switches the read cipher
// state, non-nil for Finished).
func (c *Conn) readHandshakeMsg(transcript *[]byte) (msgType byte, body []byte, err error) {
	return c.readHandshakeMsgWith(transcript, nil)
}

func (c *Conn) readEncryptedHandshakeMsg(transcript *[]byte, cs *cipherState) (msgType byte, body []byte, err error) {
	return c.readHandshakeMsgWith(transcript, cs)
}

func (c *Conn) readHandshakeMsgWith(transcript *[]byte, cs *cipherState) (msgType byte, body []byte, err error) {
	ct, fragment, err := readRecord(c.br, cs)
	if err != nil {
		return 0, nil, err
	}
	if ct != contentHandshake {
		return 0, nil, fmt.Errorf("psktls: expected handshake record, got content type %d", ct)
	}
	msgType, length, err := parseHandshakeHeader(fragment)
	if err != nil {
		return 0, nil, err
	}
	if len(fragment) < 4+length {
		return 0, nil, fmt.Errorf("psktls: truncated handshake message")
	}
	*transcript = append(*transcript, fragment[:4+length]...)
	return msgType, fragment[4 : 4+length], nil
}

func (c *Conn) readChangeCipherSpec() error {
	ct, body, err := readRecord(c.br, nil)
	if err != nil {
		return err
	}
	if ct != contentChangeCipherSpec || len(body) != 1 || body[0] != 1 {
		return fmt.Errorf("psktls: expected change cipher spec")
	}
	return nil
}

func (c *Conn) writeChangeCipherSpec() error {
	return writeRecord(c.raw, contentChangeCipherSpec, []byte{1}, nil)
}

func (c *Conn) deriveKeys(clientRandom, serverRandom [32]byte, psk []byte) {
	p, _ := paramsFor(c.cipherSuite)
	c.params = p
	pre := pskPreMasterSecret(psk)
	master := masterSecret(p.prfHash, pre, clientRandom[:], serverRandom[:])
	clientMAC, serverMAC, clientKey, serverKey := keyBlock(p.prfHash, master, clientRandom[:], serverRandom[:], p)

	c.masterSecretCache = master

	if c.isClient {
		c.writeCS = &cipherState{params: p, macKey: clientMAC, encKey: clientKey}
		c.readCS = &cipherState{params: p, macKey: serverMAC, encKey: serverKey}
	} else {
		c.writeCS = &cipherState{params: p, macKey: serverMAC, encKey: serverKey}
		c.readCS = &cipherState{params: p, macKey: clientMAC, encKey: clientKey}
	}
}

// Read implements net.Conn. It returns decrypted application data,
// buffering any excess from a record larger than len(b).
func (c *Conn) Read(b []byte) (int, error) {
	if !c.handshakeDone {
		return 0, fmt.Errorf("psktls: read before handshake complete")
	}
	for len(c.pending) == 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, err
		}
		ct, payload, err := readRecord(c.br, c.readCS)
		if err != nil {
			return 0, err
		}
		switch ct {
		case contentApplicationData:
			c.pending = payload
		case contentAlert:
			return 0, fmt.Errorf("psktls: received alert, closing")
		default:
			// Ignore stray handshake/CCS records post-handshake
			// (e.g. a peer-initiated rehandshake this protocol
			// never performs); loop for the next record.
		}
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements net.Conn, fragmenting into records no larger than
// the RFC 5246 maximum plaintext size.
func (c *Conn) Write(b []byte) (int, error) {
	if !c.handshakeDone {
		return 0, fmt.Errorf("psktls: write before handshake complete")
	}
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxRecordPayload {
			chunk = chunk[:maxRecordPayload]
		}
		if err := writeRecord(c.raw, contentApplicationData, chunk, c.writeCS); err != nil {
			return total, err
		}
		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}

func (c *Conn) Close() error                      { return c.raw.Close() }
func (c *Conn) LocalAddr() net.Addr               { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr              { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Identity returns the PSK identity resolved during the handshake.
func (c *Conn) Identity() string { return c.identity }

// CipherSuite returns the negotiated cipher suite.
func (c *Conn) CipherSuite() CipherSuite { return c.cipherSuite }
