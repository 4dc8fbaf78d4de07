// Command adminserver runs the PSK-TLS admin core: it accepts
// GlobalPlatform Amendment B pull-protocol connections from UICCs,
// drives per-connection sessions through pkg/session, and exposes the
// operator REST/WebSocket façade of pkg/restapi. Grounded on the
// teacher's cmd/protei-monitoring/main.go Application struct and
// signal-driven graceful shutdown, trimmed to this server's own
// components instead of the teacher's two dozen decoder/storage/
// visualization subsystems.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/apdu"
	"github.com/scp81lab/adminserver/pkg/config"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/fail2ban"
	"github.com/scp81lab/adminserver/pkg/gpadmin"
	"github.com/scp81lab/adminserver/pkg/health"
	"github.com/scp81lab/adminserver/pkg/keystore"
	"github.com/scp81lab/adminserver/pkg/metrics"
	"github.com/scp81lab/adminserver/pkg/opauth"
	"github.com/scp81lab/adminserver/pkg/psktls"
	"github.com/scp81lab/adminserver/pkg/restapi"
	"github.com/scp81lab/adminserver/pkg/script"
	"github.com/scp81lab/adminserver/pkg/session"
	"github.com/scp81lab/adminserver/pkg/store"
	"github.com/scp81lab/adminserver/pkg/store/memstore"
	"github.com/scp81lab/adminserver/pkg/store/postgres"
)

const appName = "adminserver"

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitBindFailure   = 2
	exitKeystoreError = 3
	exitBadConfig     = 4
)

var configPath = flag.String("config", "configs/adminserver.yaml", "path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adminserver: %v\n", err)
		os.Exit(exitBadConfig)
	}

	app, err := newApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "adminserver: %v\n", err)
		os.Exit(app.exitCodeFor(err))
	}

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "adminserver: start failed: %v\n", err)
		os.Exit(exitBindFailure)
	}

	app.waitForShutdown()
	app.Stop()
	os.Exit(exitOK)
}

// application holds every long-lived component wired together for one
// running instance of the admin server.
type application struct {
	cfg *config.Config
	log *logger.Logger

	keys  *keystore.Store
	st    store.SessionStore
	sink  metrics.Sink
	bus   *eventbus.Bus
	mgr   *session.Manager
	eng   *script.Engine
	gate  *fail2ban.Tracker
	hc    *health.Check
	ln    *psktls.Listener
	rest  *restapi.Server
	auth  *opauth.Service

	stopAccept chan struct{}
}

func newApplication(cfg *config.Config) (*application, error) {
	a := &application{cfg: cfg, stopAccept: make(chan struct{})}

	logCfg := logger.Config{
		Path: cfg.Logging.Path, Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		MaxSizeMB: cfg.Logging.MaxSizeMB, MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays, Compress: cfg.Logging.Compress,
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return a, fmt.Errorf("initializing logger: %w", err)
	}
	a.log = log.WithComponent("main")
	a.log.Info("starting "+appName, "config", *configPath)

	keys, err := keystore.Load(cfg.KeyStore.Path)
	if err != nil {
		return a, &keystoreError{err}
	}
	a.keys = keys
	a.log.Info("keystore loaded", "identities", keys.Count())

	switch cfg.SessionStore.Backend {
	case "postgres":
		pg, err := postgres.Open(cfg.SessionStore.DSN, log)
		if err != nil {
			return a, fmt.Errorf("opening postgres session store: %w", err)
		}
		a.st = pg
	default:
		a.st = memstore.New()
	}

	a.sink = metrics.NewLogSink(log)
	a.bus = eventbus.New(log, a.sink, 256)
	a.mgr = session.NewManager(a.bus, a.sink, a.st, log)
	a.eng = script.New(func(id string) (session.Enqueuer, bool) { return a.mgr.Get(id) }, a.bus, log)

	a.gate = fail2ban.New()

	a.hc = health.New(health.Config{
		CheckInterval:   cfg.Health.CheckInterval,
		WatchdogEnabled: cfg.Health.WatchdogEnabled,
		WatchdogTimeout: cfg.Health.WatchdogTimeout,
		OnStall: func() {
			a.log.Error("watchdog detected a stalled accept loop", nil)
		},
	})

	tier := psktls.Tier(cfg.Server.CipherTier)
	ln, err := psktls.Listen("tcp", cfg.ServerAddr(), psktls.ServerConfig{
		Tier: tier, AllowDebug: cfg.Server.AllowDebugNull,
		ReadTimeout: cfg.Server.ReadTimeout, WriteTimeout: cfg.Server.WriteTimeout, IdleTimeout: cfg.Server.IdleTimeout,
	}, a.keys, a.gate, psktls.Hooks{
		OnHandshakeCompleted: func(info psktls.HandshakeInfo) {
			a.bus.Publish(eventbus.Event{Type: eventbus.HandshakeCompleted, Payload: eventbus.HandshakeCompletedPayload{
				CipherSuite: info.CipherSuite.String(), Identity: info.Identity, PeerAddr: info.PeerAddr, Duration: info.Duration,
			}})
		},
		OnHandshakeFailed: func(info psktls.HandshakeInfo, reason string) {
			a.bus.Publish(eventbus.Event{Type: eventbus.HandshakeFailed, Payload: eventbus.HandshakeFailedPayload{
				Reason: reason, CipherSuite: info.CipherSuite.String(), Identity: info.Identity, PeerAddr: info.PeerAddr, Duration: info.Duration,
			}})
			a.log.Warn("handshake failed", "peer", info.PeerAddr, "reason", reason)
		},
		OnMismatchFlood: func(peerIP string, failureCount int) {
			a.bus.Publish(eventbus.Event{Type: eventbus.PSKMismatchFlood, Payload: eventbus.PSKMismatchFloodPayload{
				PeerIP: peerIP, FailureCount: failureCount,
			}})
			a.log.Warn("peer banned after repeated handshake failures", "peer", peerIP, "failures", failureCount)
		},
	})
	if err != nil {
		return a, &bindError{err}
	}
	a.ln = ln

	operators := make([]opauth.Operator, 0, len(cfg.REST.Operators))
	for _, op := range cfg.REST.Operators {
		operators = append(operators, opauth.Operator{Username: op.Username, PasswordHash: op.PasswordHash})
	}
	a.auth = opauth.NewService(operators, []byte(cfg.REST.JWTSecret), cfg.REST.TokenTTL)

	a.rest = restapi.New(restapi.Config{
		BindHost: cfg.REST.BindHost, BindPort: cfg.REST.BindPort,
		ReadTimeout: cfg.Server.ReadTimeout, WriteTimeout: cfg.Server.WriteTimeout, IdleTimeout: cfg.Server.IdleTimeout,
	}, a.mgr, a.auth, a.hc, a.bus, cfg.Server.BindHost, cfg.Server.BindPort, log)

	return a, nil
}

type bindError struct{ err error }

func (e *bindError) Error() string { return fmt.Sprintf("binding psk-tls listener: %v", e.err) }
func (e *bindError) Unwrap() error { return e.err }

type keystoreError struct{ err error }

func (e *keystoreError) Error() string { return fmt.Sprintf("loading keystore: %v", e.err) }
func (e *keystoreError) Unwrap() error { return e.err }

func (a *application) exitCodeFor(err error) int {
	switch err.(type) {
	case *bindError:
		return exitBindFailure
	case *keystoreError:
		return exitKeystoreError
	default:
		return exitBadConfig
	}
}

// Start begins accepting PSK-TLS connections and serving the REST façade.
func (a *application) Start() error {
	go func() {
		if err := a.rest.Start(); err != nil {
			a.log.Error("rest facade stopped", err)
		}
	}()
	go a.acceptLoop()
	a.hc.SetComponent("psktls_listener", true, "listening on "+a.ln.Addr().String())
	a.log.Info("adminserver started", "admin_addr", a.ln.Addr().String())
	return nil
}

func (a *application) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stopAccept:
				return
			default:
				a.log.Error("accept failed", err)
				return
			}
		}
		a.hc.Beat()
		go a.serveConn(conn)
	}
}

// serveConn drives one GP Admin pull-protocol connection to its
// session manager counterpart until the queue drains or the
// connection errs (spec.md §4.2/§4.5).
func (a *application) serveConn(conn *psktls.Conn) {
	defer conn.Close()

	h, err := a.mgr.Create(conn.Identity(), conn.RemoteAddr().String())
	if err != nil {
		a.log.Error("creating session", err)
		return
	}
	a.hc.SetSessionsActive(int64(a.mgr.ActiveCount()))
	defer func() { a.hc.SetSessionsActive(int64(a.mgr.ActiveCount())) }()

	a.enqueueConfiguredScripts(h)

	br := bufio.NewReader(conn)
	for {
		req, err := gpadmin.ParseRequest(br)
		if err != nil {
			a.log.Warn("malformed admin request", "session", h.ID(), "error", err.Error())
			if pe, ok := err.(*gpadmin.ParseError); ok {
				gpadmin.Write(conn, gpadmin.ErrorResponse(pe.Status), true)
			}
			return
		}
		if !gpadmin.SupportedProtocol(req.AdminProtocol) {
			gpadmin.Write(conn, gpadmin.ErrorResponse(501), true)
			return
		}

		a.hc.RecordAPDU()
		result := h.Inbound(req.Body)
		if result.Err != nil {
			a.log.Warn("session ended with error", "session", h.ID(), "error", result.Err.Error())
			gpadmin.Write(conn, gpadmin.ErrorResponse(400), true)
			return
		}
		if result.Closing {
			gpadmin.Write(conn, gpadmin.NoContentResponse(), true)
			return
		}
		if err := gpadmin.Write(conn, gpadmin.CommandResponse(result.CAPDU), false); err != nil {
			return
		}
	}
}

// enqueueConfiguredScripts drives every script named in configuration
// against a freshly connected session — this server is a validation
// test bench, so the operator's baseline script set runs against
// every UICC that connects rather than waiting for a manual REST call.
func (a *application) enqueueConfiguredScripts(h *session.Handle) {
	for _, sc := range a.cfg.Scripts {
		s, err := buildScript(sc)
		if err != nil {
			a.log.Warn("skipping invalid configured script", "name", sc.Name, "error", err.Error())
			continue
		}
		if _, err := a.eng.Enqueue(h.ID(), s); err != nil {
			a.log.Warn("enqueueing configured script", "name", sc.Name, "error", err.Error())
		}
	}
}

func decodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }

func decodeSW(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func buildScript(sc config.ScriptConfig) (script.Script, error) {
	cmds := make([]script.Command, 0, len(sc.Commands))
	for _, cc := range sc.Commands {
		raw, err := decodeHex(cc.Hex)
		if err != nil {
			return script.Script{}, fmt.Errorf("command %q: %w", cc.Hex, err)
		}
		cmd, err := apdu.DecodeCommand(raw)
		if err != nil {
			return script.Script{}, fmt.Errorf("command %q: %w", cc.Hex, err)
		}
		var expect *uint16
		if cc.ExpectSW != nil {
			sw, err := decodeSW(*cc.ExpectSW)
			if err != nil {
				return script.Script{}, fmt.Errorf("expect_sw %q: %w", *cc.ExpectSW, err)
			}
			expect = &sw
		}
		cmds = append(cmds, script.Command{Cmd: *cmd, StopOnError: cc.StopOnError, ExpectedSW: expect})
	}
	return script.Script{Commands: cmds}, nil
}

// Stop signals the accept loop to exit, gracefully shuts down every
// live session plus the REST façade, and flushes the event bus.
func (a *application) Stop() {
	a.log.Info("stopping " + appName)
	close(a.stopAccept)
	if a.ln != nil {
		a.ln.Close()
	}
	if a.gate != nil {
		a.gate.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.mgr.Shutdown(ctx)

	if a.rest != nil {
		if err := a.rest.Stop(ctx); err != nil {
			a.log.Error("rest facade shutdown", err)
		}
	}

	busCtx, busCancel := context.WithTimeout(context.Background(), 2*time.Second)
	a.bus.Stop(busCtx)
	busCancel()
	a.log.Info(appName + " stopped")
}

func (a *application) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	a.log.Info("received shutdown signal", "signal", sig.String())
}
