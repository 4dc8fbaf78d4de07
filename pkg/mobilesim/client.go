package mobilesim

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/gpadmin"
	"github.com/scp81lab/adminserver/pkg/psktls"
)

// retryBackoff is the bounded exponential backoff schedule for
// reconnect attempts (spec §4.7): 0.5s, 1s, 2s, 4s, then give up.
var retryBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
}

// ClientConfig is everything the simulator needs to dial the admin
// server and present itself as one UICC.
type ClientConfig struct {
	ServerAddr string
	Host       string // Host header value; defaults to ServerAddr's host
	AdminPath  string // defaults to gpadmin.DefaultAdminPath

	Identity string
	Key      []byte
	Tier     psktls.Tier

	Behavior BehaviorConfig
}

// Client drives one simulated UICC's session against the admin
// server: dial, pull-loop the GlobalPlatform protocol, answer each
// C-APDU with the virtual card, and reconnect with backoff on failure.
type Client struct {
	cfg      ClientConfig
	uicc     *VirtualUICC
	behavior *BehaviorController
	log      *logger.Logger
}

// NewClient builds a client around a fresh virtual card.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.AdminPath == "" {
		cfg.AdminPath = gpadmin.DefaultAdminPath
	}
	if cfg.Host == "" {
		cfg.Host = cfg.ServerAddr
	}
	return &Client{
		cfg:      cfg,
		uicc:     NewVirtualUICC(),
		behavior: NewBehaviorController(cfg.Behavior),
		log:      log,
	}
}

// authFailure reports whether err looks like a PSK-TLS handshake
// rejection (bad identity/key) rather than a transient network
// failure — the one case spec §4.7 says must not be retried.
func authFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "decryption_failed") || strings.Contains(msg, "verification mismatch")
}

// Run dials the server and plays the session to completion (204, or
// ctx cancellation), reconnecting with backoff on transient failures.
// It returns nil on a clean 204 end-of-queue, or the last error if
// every retry was exhausted or the failure was non-retryable.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.runOnce(ctx)
		if err == nil {
			return nil
		}

		if authFailure(err) {
			c.log.Error("mobilesim auth failure, not retrying", err, "identity", c.cfg.Identity)
			return err
		}
		if attempt >= len(retryBackoff) {
			c.log.Error("mobilesim exhausted retries", err, "identity", c.cfg.Identity, "attempts", attempt+1)
			return fmt.Errorf("mobilesim: giving up after %d attempts: %w", attempt+1, err)
		}

		delay := retryBackoff[attempt]
		c.log.Warn("mobilesim session failed, retrying", "identity", c.cfg.Identity, "error", err.Error(), "delay", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce dials once and pulls commands until the server sends 204 or
// the connection fails.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := psktls.Dial("tcp", c.cfg.ServerAddr, psktls.ClientConfig{
		Tier:     c.cfg.Tier,
		Identity: c.cfg.Identity,
		Key:      c.cfg.Key,
	})
	if err != nil {
		return fmt.Errorf("mobilesim: dial: %w", err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	var lastRAPDU []byte

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := gpadmin.WriteRequest(conn, c.cfg.Host, c.cfg.AdminPath, lastRAPDU); err != nil {
			return fmt.Errorf("mobilesim: write request: %w", err)
		}

		resp, err := gpadmin.ParseResponse(br)
		if err != nil {
			return fmt.Errorf("mobilesim: parse response: %w", err)
		}

		switch resp.Status {
		case 204:
			c.log.Info("mobilesim session complete", "identity", c.cfg.Identity)
			return nil
		case 200:
			rapdu, delay := c.behavior.Apply(c.uicc.Answer, resp.Body)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			lastRAPDU = rapdu
		default:
			return fmt.Errorf("mobilesim: unexpected status %d from server", resp.Status)
		}
	}
}
