// Package restapi implements the REST/WebSocket façade of spec.md §6:
// a loopback-bound dashboard surface with five JSON endpoints plus a
// live event stream. Grounded on the teacher's pkg/web/server.go
// (http.Server with explicit timeouts, a CORS+bearer-auth middleware
// chain, gorilla/websocket client registry and broadcast loop) —
// retargeted from the teacher's KPI/alarm/topology/user-management
// surface onto the five endpoints spec.md §6 actually names, with
// every DataProvider/ConfigManager/SystemMonitor interface collapsed
// since this façade talks directly to pkg/session instead of a
// generic monitoring back-end.
package restapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/apdu"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/health"
	"github.com/scp81lab/adminserver/pkg/opauth"
	"github.com/scp81lab/adminserver/pkg/session"
)

// Config configures the façade's bind address and HTTP timeouts.
type Config struct {
	BindHost     string
	BindPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the loopback REST/WebSocket façade.
type Server struct {
	cfg    Config
	http   *http.Server
	log    *logger.Logger
	mgr    *session.Manager
	auth   *opauth.Service
	health *health.Check
	bus    *eventbus.Bus

	upgrader websocket.Upgrader
	wsMu     sync.RWMutex
	wsConns  map[*websocket.Conn]bool
	unsub    func()

	serverHost string
	serverPort int
}

// New creates the façade. serverHost/serverPort are the PSK-TLS
// listener's own bind address, reported verbatim by /api/server/status.
func New(cfg Config, mgr *session.Manager, auth *opauth.Service, hc *health.Check, bus *eventbus.Bus, serverHost string, serverPort int, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		mgr:        mgr,
		auth:       auth,
		health:     hc,
		bus:        bus,
		wsConns:    make(map[*websocket.Conn]bool),
		serverHost: serverHost,
		serverPort: serverPort,
		log:        log.WithComponent("restapi"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s
}

// Handler builds the façade's full route table. Exported so tests can
// drive it directly with httptest, without binding a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.withCORS(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.withCORS(s.handleSessionRoutes))
	mux.HandleFunc("/api/server/status", s.withCORS(s.handleStatus))
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start begins serving on cfg.BindHost:cfg.BindPort. It blocks until
// the server stops (mirrors http.Server.ListenAndServe's contract).
func (s *Server) Start() error {
	if s.bus != nil {
		s.unsub = s.bus.Subscribe(func(eventbus.Event) bool { return true }, s.broadcast)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.log.Info("starting REST facade", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and closes all WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.wsMu.Lock()
	for c := range s.wsConns {
		c.Close()
	}
	s.wsMu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// requireOperator gates the two mutating endpoints behind a bearer
// token (spec.md §6 is silent on REST auth; Non-goals only exclude
// multi-tenant isolation, not single-operator auth — see SPEC_FULL.md).
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next(w, r)
			return
		}
		authz := r.Header.Get("Authorization")
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.Verify(parts[1]); err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

type sessionSummary struct {
	ID             string    `json:"id"`
	PSKIdentity    string    `json:"psk_identity"`
	PeerAddr       string    `json:"peer_addr"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	QueueLen       int       `json:"queue_len"`
}

func summaryOf(snap session.Snapshot) sessionSummary {
	return sessionSummary{
		ID: snap.ID, PSKIdentity: snap.PSKIdentity, PeerAddr: snap.PeerAddr,
		State: string(snap.State), CreatedAt: snap.CreatedAt, LastActivityAt: snap.LastActivityAt,
		QueueLen: snap.QueueLen,
	}
}

type historyEntryJSON struct {
	Direction string        `json:"direction"`
	Hex       string        `json:"hex"`
	SW        uint16        `json:"sw,omitempty"`
	T         time.Time     `json:"t"`
	Duration  time.Duration `json:"duration_ns"`
	Chained   bool          `json:"chained"`
}

type sessionDetail struct {
	sessionSummary
	History []historyEntryJSON `json:"history"`
}

func detailOf(snap session.Snapshot) sessionDetail {
	hist := make([]historyEntryJSON, 0, len(snap.History))
	for _, h := range snap.History {
		hex := h.CommandHex
		if h.Direction == "received" {
			hex = h.ResponseHex
		}
		hist = append(hist, historyEntryJSON{Direction: h.Direction, Hex: hex, SW: h.SW, T: h.T, Duration: h.Duration, Chained: h.Chained})
	}
	return sessionDetail{sessionSummary: summaryOf(snap), History: hist}
}

// GET /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snaps := s.mgr.List()
	out := make([]sessionSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, summaryOf(snap))
	}
	s.sendJSON(w, http.StatusOK, out)
}

// Routes under /api/sessions/{id}[/apdus].
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.sendError(w, http.StatusNotFound, "missing session id")
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "apdus" {
		s.requireOperator(s.handleAPDUs(id))(w, r)
		return
	}
	if len(parts) == 1 {
		s.handleSessionDetail(id)(w, r)
		return
	}
	s.sendError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleSessionDetail(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h, ok := s.mgr.Get(id)
		if !ok {
			s.sendError(w, http.StatusNotFound, "session not found")
			return
		}
		s.sendJSON(w, http.StatusOK, detailOf(h.Snapshot()))
	}
}

type apduRequest struct {
	Hex string `json:"hex"`
}

func (s *Server) handleAPDUs(id string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.mgr.Get(id)
		if !ok {
			s.sendError(w, http.StatusNotFound, "session not found")
			return
		}

		switch r.Method {
		case http.MethodPost:
			var req apduRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.sendError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			raw, err := hex.DecodeString(req.Hex)
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "hex must be valid hexadecimal")
				return
			}
			cmd, err := apdu.DecodeCommand(raw)
			if err != nil {
				s.sendError(w, http.StatusBadRequest, "not a well-formed C-APDU")
				return
			}
			if err := h.Enqueue(session.QueueItem{Cmd: *cmd, StopOnError: false}); err != nil {
				s.sendError(w, http.StatusConflict, "session is no longer accepting commands")
				return
			}
			s.sendJSON(w, http.StatusOK, map[string]int{"queued_position": h.Snapshot().QueueLen})

		case http.MethodDelete:
			h.Cancel()
			w.WriteHeader(http.StatusNoContent)

		default:
			s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

type statusResponse struct {
	Running        bool   `json:"running"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ActiveSessions int    `json:"active_sessions"`
	TotalSessions  int64  `json:"total_sessions"`
}

// GET /api/server/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.sendJSON(w, http.StatusOK, statusResponse{
		Running:        true,
		Host:           s.serverHost,
		Port:           s.serverPort,
		ActiveSessions: s.mgr.ActiveCount(),
		TotalSessions:  s.mgr.TotalCreated(),
	})
}

// GET /ws — live event stream, one JSON object per eventbus.Event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to marshal event for websocket broadcast", "error", err.Error())
		return
	}
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for c := range s.wsConns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("websocket write failed", "error", err.Error())
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("failed to encode JSON response", "error", err.Error())
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
