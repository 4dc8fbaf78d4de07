package psktls

import (
	"bytes"
	"fmt"
	"net"
	"time"
)

// ClientConfig configures the PSK-TLS client role (used by
// pkg/mobilesim to dial the admin server).
type ClientConfig struct {
	Tier         Tier
	AllowDebug   bool
	Identity     string
	Key          []byte
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ClientHandshake drives the client side of a PSK-TLS 1.2 handshake
// over raw using the identity/key pair in cfg.
func ClientHandshake(raw net.Conn, cfg ClientConfig) (*Conn, error) {
	start := time.Now()
	c := newConn(raw, true, cfg.Tier, cfg.AllowDebug)
	if cfg.ReadTimeout > 0 {
		c.readTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		c.writeTimeout = cfg.WriteTimeout
	}
	if cfg.IdleTimeout > 0 {
		c.idleTimeout = cfg.IdleTimeout
	}
	c.identity = cfg.Identity
	c.Info.PeerAddr = raw.RemoteAddr().String()
	c.Info.Identity = cfg.Identity

	err := c.runClientHandshake(cfg)
	c.Info.CipherSuite = c.cipherSuite
	c.Info.Duration = time.Since(start)
	if err != nil {
		return c, err
	}
	c.handshakeDone = true
	return c, nil
}

func (c *Conn) runClientHandshake(cfg ClientConfig) error {
	var transcript []byte

	clientRandom, err := newRandom()
	if err != nil {
		return err
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	ch := &clientHello{random: clientRandom, sessionID: nil, cipherSuites: c.allowedSuites()}
	if err := c.writeHandshakeMsg(&transcript, msgClientHello, ch.marshalBody()); err != nil {
		return err
	}

	_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	msgType, body, err := c.readHandshakeMsg(&transcript)
	if err != nil {
		return fmt.Errorf("psktls: reading server hello: %w", err)
	}
	if msgType != msgServerHello {
		return fmt.Errorf("psktls: expected server_hello, got message type %d", msgType)
	}
	sh, err := parseServerHello(body)
	if err != nil {
		return err
	}
	c.cipherSuite = sh.cipherSuite

	msgType, body, err = c.readHandshakeMsg(&transcript)
	if err != nil {
		return fmt.Errorf("psktls: reading server key exchange: %w", err)
	}
	if msgType != msgServerKeyExchange {
		return fmt.Errorf("psktls: expected server_key_exchange, got message type %d", msgType)
	}
	if _, err := parseServerKeyExchange(body); err != nil {
		return err
	}

	msgType, _, err = c.readHandshakeMsg(&transcript)
	if err != nil {
		return fmt.Errorf("psktls: reading server hello done: %w", err)
	}
	if msgType != msgServerHelloDone {
		return fmt.Errorf("psktls: expected server_hello_done, got message type %d", msgType)
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	cke := &clientKeyExchange{identity: []byte(cfg.Identity)}
	if err := c.writeHandshakeMsg(&transcript, msgClientKeyExchange, cke.marshalBody()); err != nil {
		return err
	}

	c.deriveKeys(clientRandom, sh.random, cfg.Key)

	if err := c.writeChangeCipherSpec(); err != nil {
		return err
	}
	clientVerify := computeVerifyData(c.params.prfHash, c.masterSecretCache, "client finished", transcript)
	clientFin := &finished{verifyData: clientVerify}
	msg := marshalHandshake(msgFinished, clientFin.marshalBody())
	if err := writeRecord(c.raw, contentHandshake, msg, c.writeCS); err != nil {
		return err
	}
	transcript = append(transcript, msg...)

	_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	if err := c.readChangeCipherSpec(); err != nil {
		return fmt.Errorf("psktls: decryption_failed: %w", err)
	}
	preServerFinished := append([]byte{}, transcript...)
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
	want := computeVerifyData(c.params.prfHash, c.masterSecretCache, "server finished", preServerFinished)
	if !bytes.Equal(want, fin.verifyData) {
		return fmt.Errorf("psktls: decryption_failed: server finished verification mismatch")
	}
	return nil
}
