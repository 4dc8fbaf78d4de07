package session

import (
	"context"
	"testing"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/apdu"
	"github.com/scp81lab/adminserver/pkg/eventbus"
	"github.com/scp81lab/adminserver/pkg/metrics"
	"github.com/scp81lab/adminserver/pkg/store/memstore"
)

func testManager(t *testing.T) (*Manager, *eventbus.Bus) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	bus := eventbus.New(log, metrics.NewLogSink(log), 32)
	mgr := NewManager(bus, metrics.NewLogSink(log), memstore.New(), log)
	return mgr, bus
}

func selectAPDU() QueueItem {
	return QueueItem{Cmd: apdu.Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xA0, 0x00}}, StopOnError: true}
}

func TestFirstPullTransitionsToActiveAndReturnsFirstCommand(t *testing.T) {
	mgr, _ := testManager(t)
	h, err := mgr.Create("ID1", "10.0.0.1:1234")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Enqueue(selectAPDU()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	snap := h.Snapshot()
	if snap.State != StateConnected {
		t.Fatalf("expected CONNECTED before first pull, got %s", snap.State)
	}

	res := h.Inbound(nil)
	if res.Err != nil || res.Closing || len(res.CAPDU) == 0 {
		t.Fatalf("unexpected first-pull result: %+v", res)
	}

	snap = h.Snapshot()
	if snap.State != StateActive {
		t.Fatalf("expected ACTIVE after first pull, got %s", snap.State)
	}
}

func TestQueueDrainedEndsSessionNormally(t *testing.T) {
	mgr, _ := testManager(t)
	h, _ := mgr.Create("ID1", "10.0.0.1:1234")
	if err := h.Enqueue(selectAPDU()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := h.Inbound(nil)
	if res.Closing {
		t.Fatalf("expected a command, got closing")
	}
	sw9000 := []byte{0x90, 0x00}
	res = h.Inbound(sw9000)
	if !res.Closing {
		t.Fatalf("expected queue-drained close, got %+v", res)
	}

	select {
	case <-doneOf(h):
	case <-time.After(time.Second):
		t.Fatal("session did not finish after queue drained")
	}

	snap := h.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("expected CLOSED, got %s", snap.State)
	}
}

func TestMoreDataAvailableChainsGetResponse(t *testing.T) {
	mgr, _ := testManager(t)
	h, _ := mgr.Create("ID1", "10.0.0.1:1234")
	if err := h.Enqueue(selectAPDU()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.Inbound(nil)

	res := h.Inbound([]byte{0x61, 0x10})
	if res.Err != nil || res.Closing {
		t.Fatalf("unexpected result after 61xx: %+v", res)
	}
	cmd, err := apdu.DecodeCommand(res.CAPDU)
	if err != nil {
		t.Fatalf("decode chained command: %v", err)
	}
	if cmd.INS != 0xC0 {
		t.Fatalf("expected GET RESPONSE (INS=C0), got INS=%02X", cmd.INS)
	}

	snap := h.Snapshot()
	if len(snap.History) < 3 || !snap.History[len(snap.History)-1].Chained {
		t.Fatalf("expected the chained GET RESPONSE to be marked Chained in history: %+v", snap.History)
	}
}

func TestWrongLeRetriesWithCorrectedLength(t *testing.T) {
	mgr, _ := testManager(t)
	h, _ := mgr.Create("ID1", "10.0.0.1:1234")
	if err := h.Enqueue(selectAPDU()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.Inbound(nil)

	res := h.Inbound([]byte{0x6C, 0x20})
	if res.Err != nil || res.Closing {
		t.Fatalf("unexpected result after 6Cxx: %+v", res)
	}
	cmd, err := apdu.DecodeCommand(res.CAPDU)
	if err != nil {
		t.Fatalf("decode retried command: %v", err)
	}
	if cmd.Le != 0x20 {
		t.Fatalf("expected Le corrected to 0x20, got %d", cmd.Le)
	}
}

func TestErrorClassWithStopOnErrorDrainsRemainingQueue(t *testing.T) {
	mgr, _ := testManager(t)
	h, _ := mgr.Create("ID1", "10.0.0.1:1234")
	h.Enqueue(selectAPDU())
	h.Enqueue(selectAPDU())

	h.Inbound(nil)
	res := h.Inbound([]byte{0x64, 0x00})
	if !res.Closing {
		t.Fatalf("expected stop-on-error to drain the queue and close, got %+v", res)
	}

	snap := h.Snapshot()
	if snap.QueueLen != 0 {
		t.Fatalf("expected queue drained, got len=%d", snap.QueueLen)
	}
}

func TestManagerListOmitsFinishedSessions(t *testing.T) {
	mgr, _ := testManager(t)
	h, _ := mgr.Create("ID1", "10.0.0.1:1234")
	h.Enqueue(selectAPDU())
	h.Inbound(nil)
	h.Inbound([]byte{0x90, 0x00})

	select {
	case <-doneOf(h):
	case <-time.After(time.Second):
		t.Fatal("session never finished")
	}

	if _, ok := mgr.Get(h.ID()); ok {
		t.Fatalf("expected finished session to be reaped from the registry")
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	mgr, _ := testManager(t)
	h1, _ := mgr.Create("ID1", "10.0.0.1:1")
	h2, _ := mgr.Create("ID2", "10.0.0.1:2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mgr.Shutdown(ctx)

	for _, h := range []*Handle{h1, h2} {
		snap := h.Snapshot()
		if snap.State != StateClosed {
			t.Fatalf("expected session %s CLOSED after shutdown, got %s", h.ID(), snap.State)
		}
	}
}

func doneOf(h *Handle) <-chan struct{} { return h.s.done }
