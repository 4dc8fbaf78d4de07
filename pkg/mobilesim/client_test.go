package mobilesim

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/gpadmin"
	"github.com/scp81lab/adminserver/pkg/keystore"
	"github.com/scp81lab/adminserver/pkg/psktls"
)

// fakeServer plays the admin-server side of the pull protocol over a
// real PSK-TLS listener: send one SELECT, then end the queue with 204.
func fakeServer(t *testing.T, ln *psktls.Listener, script [][]byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("server accept: %v", err)
		return
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	for _, cAPDU := range script {
		if _, err := gpadmin.ParseRequest(br); err != nil {
			t.Errorf("server parse request: %v", err)
			return
		}
		if err := gpadmin.Write(conn, gpadmin.CommandResponse(cAPDU), false); err != nil {
			t.Errorf("server write command: %v", err)
			return
		}
	}
	if _, err := gpadmin.ParseRequest(br); err != nil {
		t.Errorf("server parse final request: %v", err)
		return
	}
	_ = gpadmin.Write(conn, gpadmin.NoContentResponse(), true)
}

func TestClientRunPullsAndCompletes(t *testing.T) {
	ks, err := keystore.New([]keystore.Entry{{Identity: "SIM001", KeyHex: "000102030405060708090a0b0c0d0e0f", KeyVer: 1}})
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}

	ln, err := psktls.Listen("tcp", "127.0.0.1:0", psktls.ServerConfig{Tier: psktls.TierProduction}, ks, nil, psktls.Hooks{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	selectCmd := []byte{0x00, InsSelect, 0x04, 0x00, 0x02, 0xAA, 0xBB}
	done := make(chan struct{})
	go func() {
		fakeServer(t, ln, [][]byte{selectCmd})
		close(done)
	}()

	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	client := NewClient(ClientConfig{
		ServerAddr: ln.Addr().String(),
		Identity:   "SIM001",
		Key:        mustHex("000102030405060708090a0b0c0d0e0f"),
		Tier:       psktls.TierProduction,
		Behavior:   DefaultBehaviorConfig(),
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Run(ctx); err != nil {
		t.Fatalf("client.Run: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server goroutine never finished")
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	if !authFailure(&net.OpError{Op: "read", Err: errDecryptionFailed{}}) {
		t.Fatalf("expected decryption_failed wrapped error to be classified as auth failure")
	}
	if authFailure(context.DeadlineExceeded) {
		t.Fatalf("expected a plain timeout not to be classified as auth failure")
	}
}

type errDecryptionFailed struct{}

func (errDecryptionFailed) Error() string { return "psktls: decryption_failed: mac mismatch" }

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
