package restapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/health"
	"github.com/scp81lab/adminserver/pkg/metrics"
	"github.com/scp81lab/adminserver/pkg/opauth"
	"github.com/scp81lab/adminserver/pkg/session"
	"github.com/scp81lab/adminserver/pkg/store/memstore"
)

type testHarness struct {
	*Server
	mux http.Handler
}

func testServer(t *testing.T) (*testHarness, *session.Manager, *opauth.Service) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	bus := eventbus.New(log, nil, 16)
	sink := metrics.NewLogSink(log)
	mgr := session.NewManager(bus, sink, memstore.New(), log)
	hc := health.New(health.Config{})

	hash, err := opauth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	auth := opauth.NewService([]opauth.Operator{{Username: "op", PasswordHash: hash}}, []byte("test-secret"), time.Minute)

	s := New(Config{BindHost: "127.0.0.1", BindPort: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second},
		mgr, auth, hc, bus, "127.0.0.1", 8443, log)

	return &testHarness{Server: s, mux: s.Handler()}, mgr, auth
}

func TestListSessionsEmpty(t *testing.T) {
	s, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no sessions, got %d", len(out))
	}
}

func TestSessionDetailNotFound(t *testing.T) {
	s, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPostAPDURequiresAuth(t *testing.T) {
	s, mgr, _ := testServer(t)
	h, err := mgr.Create("psk-id", "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	body := bytes.NewBufferString(`{"hex":"00A4040007A0000000031010"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+h.ID()+"/apdus", body)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", rec.Code)
	}
}

func TestPostAPDUEnqueuesWithValidToken(t *testing.T) {
	s, mgr, auth := testServer(t)
	h, err := mgr.Create("psk-id", "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	token, err := auth.Authenticate("op", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	body := bytes.NewBufferString(`{"hex":"00A4040007A0000000031010"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+h.ID()+"/apdus", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	snap := h.Snapshot()
	if snap.QueueLen != 1 {
		t.Fatalf("expected 1 queued command, got %d", snap.QueueLen)
	}
}

func TestDeleteAPDUCancelsQueue(t *testing.T) {
	s, mgr, auth := testServer(t)
	h, err := mgr.Create("psk-id", "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	token, _ := auth.Authenticate("op", "s3cret")

	postBody := bytes.NewBufferString(`{"hex":"00A4040007A0000000031010"}`)
	postReq := httptest.NewRequest(http.MethodPost, "/api/sessions/"+h.ID()+"/apdus", postBody)
	postReq.Header.Set("Authorization", "Bearer "+token)
	s.mux.ServeHTTP(httptest.NewRecorder(), postReq)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+h.ID()+"/apdus", nil)
	delReq.Header.Set("Authorization", "Bearer "+token)
	delRec := httptest.NewRecorder()
	s.mux.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", delRec.Code)
	}

	if snap := h.Snapshot(); snap.QueueLen != 0 {
		t.Fatalf("expected queue drained, got %d", snap.QueueLen)
	}
}

func TestServerStatusReportsCounts(t *testing.T) {
	s, mgr, _ := testServer(t)
	if _, err := mgr.Create("psk-id", "10.0.0.1:1234"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/server/status", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Running || resp.ActiveSessions != 1 || resp.TotalSessions != 1 {
		t.Fatalf("unexpected status response: %+v", resp)
	}
	if resp.Host != "127.0.0.1" || resp.Port != 8443 {
		t.Fatalf("unexpected listener address in status: %+v", resp)
	}
}
