package script

import (
	"context"
	"testing"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/apdu"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/metrics"
	"github.com/scp81lab/adminserver/pkg/session"
	"github.com/scp81lab/adminserver/pkg/store/memstore"
)

func testRig(t *testing.T) (*session.Manager, *eventbus.Bus, *logger.Logger) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	bus := eventbus.New(log, metrics.NewLogSink(log), 32)
	mgr := session.NewManager(bus, metrics.NewLogSink(log), memstore.New(), log)
	return mgr, bus, log
}

func lookupFor(mgr *session.Manager) Lookup {
	return func(id string) (session.Enqueuer, bool) { return mgr.Get(id) }
}

func selectCmd() apdu.Command {
	return apdu.Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xA0}}
}

func waitForState(t *testing.T, e *Engine, id string, want State) ScriptResult {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		res, err := e.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if res.State == want {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("script %s never reached state %s", id, want)
	return ScriptResult{}
}

func TestScriptCompletesAsCommandsResolve(t *testing.T) {
	mgr, bus, log := testRig(t)
	e := New(lookupFor(mgr), bus, log)
	defer e.Close()

	h, err := mgr.Create("ID1", "10.0.0.1:1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sw := uint16(0x9000)
	id, err := e.Enqueue(h.ID(), Script{Commands: []Command{
		{Cmd: selectCmd(), StopOnError: true, ExpectedSW: &sw},
	}})
	if err != nil {
		t.Fatalf("enqueue script: %v", err)
	}

	res := h.Inbound(nil)
	if res.Closing {
		t.Fatalf("expected a command, got closing")
	}
	h.Inbound([]byte{0x90, 0x00})

	result := waitForState(t, e, id, StateCompleted)
	if len(result.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(result.Results))
	}
	cr := result.Results[0]
	if cr.SW != 0x9000 || cr.MatchedExpectation == nil || !*cr.MatchedExpectation {
		t.Fatalf("unexpected result: %+v", cr)
	}
}

func TestSecondScriptActivatesAfterFirstCompletes(t *testing.T) {
	mgr, bus, log := testRig(t)
	e := New(lookupFor(mgr), bus, log)
	defer e.Close()

	h, _ := mgr.Create("ID1", "10.0.0.1:1")

	id1, _ := e.Enqueue(h.ID(), Script{Commands: []Command{{Cmd: selectCmd(), StopOnError: true}}})
	id2, _ := e.Enqueue(h.ID(), Script{Commands: []Command{{Cmd: selectCmd(), StopOnError: true}}})

	res2, _ := e.Status(id2)
	if res2.State != StateRunning {
		t.Fatalf("expected pending script to still be running, got %s", res2.State)
	}

	h.Inbound(nil)
	h.Inbound([]byte{0x90, 0x00})
	waitForState(t, e, id1, StateCompleted)

	res := h.Inbound(nil)
	if res.Closing {
		t.Fatalf("expected second script's command after first completed, got closing")
	}
}

func TestCancelMarksScriptCancelled(t *testing.T) {
	mgr, bus, log := testRig(t)
	e := New(lookupFor(mgr), bus, log)
	defer e.Close()

	h, _ := mgr.Create("ID1", "10.0.0.1:1")
	id, _ := e.Enqueue(h.ID(), Script{Commands: []Command{{Cmd: selectCmd()}, {Cmd: selectCmd()}}})

	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res, err := e.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.State)
	}
}

func TestSessionTerminationMarksScriptTerminated(t *testing.T) {
	mgr, bus, log := testRig(t)
	e := New(lookupFor(mgr), bus, log)
	defer e.Close()

	h, _ := mgr.Create("ID1", "10.0.0.1:1")
	id, _ := e.Enqueue(h.ID(), Script{Commands: []Command{{Cmd: selectCmd()}}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mgr.Shutdown(ctx)

	waitForState(t, e, id, StateSessionTerminated)
}
