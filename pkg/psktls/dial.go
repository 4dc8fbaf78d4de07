package psktls

import "net"

// Dial opens a TCP connection to addr and completes a PSK-TLS client
// handshake using cfg's identity/key. Used by pkg/mobilesim (C7) to
// drive the admin server as its canonical counterparty.
func Dial(network, addr string, cfg ClientConfig) (*Conn, error) {
	raw, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := ClientHandshake(raw, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}
