package psktls

import (
	"bytes"
	"fmt"
	"net"
	"time"
)

// ServerConfig configures the PSK-TLS server role.
type ServerConfig struct {
	Tier          Tier
	AllowDebug    bool   // explicit opt-in to TierDebugOnly's NULL cipher suites
	IdentityHint  string // sent in ServerKeyExchange; purely advisory, may be empty
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// ServerHandshake drives the server side of a PSK-TLS 1.2 handshake
// to completion over raw, using ks to resolve the PSK identity the
// client offers. It returns a ready-to-use *Conn plus a HandshakeInfo
// for the handshake_completed/handshake_failed event regardless of
// outcome — on error, Info carries whatever identity/cipher suite was
// established before failure, per spec.md §7.
func ServerHandshake(raw net.Conn, cfg ServerConfig, ks KeyStore) (*Conn, error) {
	start := time.Now()
	c := newConn(raw, false, cfg.Tier, cfg.AllowDebug)
	if cfg.ReadTimeout > 0 {
		c.readTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		c.writeTimeout = cfg.WriteTimeout
	}
	if cfg.IdleTimeout > 0 {
		c.idleTimeout = cfg.IdleTimeout
	}
	c.Info.PeerAddr = raw.RemoteAddr().String()
	c.Info.Identity = "<unknown>"

	err := c.runServerHandshake(cfg, ks)
	c.Info.CipherSuite = c.cipherSuite
	if c.identity != "" {
		c.Info.Identity = c.identity
	}
	c.Info.Duration = time.Since(start)
	if err != nil {
		return c, err
	}
	c.handshakeDone = true
	return c, nil
}

func (c *Conn) runServerHandshake(cfg ServerConfig, ks KeyStore) error {
	var transcript []byte
	_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))

	msgType, body, err := c.readHandshakeMsg(&transcript)
	if err != nil {
		return fmt.Errorf("psktls: reading client hello: %w", err)
	}
	if msgType != msgClientHello {
		return fmt.Errorf("psktls: expected client_hello, got message type %d", msgType)
	}
	ch, err := parseClientHello(body)
	if err != nil {
		return err
	}

	negotiated, ok := negotiateSuite(c.allowedSuites(), ch.cipherSuites)
	if !ok {
		return fmt.Errorf("psktls: no mutual cipher suite with client")
	}
	c.cipherSuite = negotiated

	serverRandom, err := newRandom()
	if err != nil {
		return err
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	sh := &serverHello{random: serverRandom, sessionID: ch.sessionID, cipherSuite: negotiated}
	if err := c.writeHandshakeMsg(&transcript, msgServerHello, sh.marshalBody()); err != nil {
		return err
	}
	ske := &serverKeyExchange{identityHint: []byte(cfg.IdentityHint)}
	if err := c.writeHandshakeMsg(&transcript, msgServerKeyExchange, ske.marshalBody()); err != nil {
		return err
	}
	if err := c.writeHandshakeMsg(&transcript, msgServerHelloDone, nil); err != nil {
		return err
	}

	_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	msgType, body, err = c.readHandshakeMsg(&transcript)
	if err != nil {
		return fmt.Errorf("psktls: reading client key exchange: %w", err)
	}
	if msgType != msgClientKeyExchange {
		return fmt.Errorf("psktls: expected client_key_exchange, got message type %d", msgType)
	}
	cke, err := parseClientKeyExchange(body)
	if err != nil {
		return err
	}
	c.identity = string(cke.identity)

	key, found := ks.Lookup(c.identity)
	if !found {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, c.identity)
	}
	c.deriveKeys(ch.random, serverRandom, key)

	if err := c.readChangeCipherSpec(); err != nil {
		return fmt.Errorf("psktls: decryption_failed: %w", err)
	}

	preFinishedTranscript := append([]byte{}, transcript...)
	msgType, body, err = c.readEncryptedHandshakeMsg(&transcript, c.readCS)
	if err != nil {
		return fmt.Errorf("psktls: decryption_failed: %w", err)
	}
	if msgType != msgFinished {
		return fmt.Errorf("psktls: expected finished, got message type %d", msgType)
	}
	fin, err := parseFinished(body)
	if err != nil {
		return err
	}
	want := computeVerifyData(c.params.prfHash, c.masterSecretCache, "client finished", preFinishedTranscript)
	if !bytes.Equal(want, fin.verifyData) {
		return fmt.Errorf("psktls: decryption_failed: client finished verification mismatch")
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.writeChangeCipherSpec(); err != nil {
		return err
	}
	serverVerify := computeVerifyData(c.params.prfHash, c.masterSecretCache, "server finished", transcript)
	serverFin := &finished{verifyData: serverVerify}
	msg := marshalHandshake(msgFinished, serverFin.marshalBody())
	if err := writeRecord(c.raw, contentHandshake, msg, c.writeCS); err != nil {
		return err
	}
	return nil
}

// negotiateSuite picks the first suite in preference order (allowed)
// that the peer also offered.
func negotiateSuite(allowed, offered []CipherSuite) (CipherSuite, bool) {
	offeredSet := make(map[CipherSuite]bool, len(offered))
	for _, cs := range offered {
		offeredSet[cs] = true
	}
	for _, cs := range allowed {
		if offeredSet[cs] {
			return cs, true
		}
	}
	return 0, false
}
