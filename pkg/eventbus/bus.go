// Package eventbus implements the thread-safe pub/sub bus (C5):
// best-effort, fan-out, non-blocking delivery with monotonic
// per-subscriber sequencing. Grounded on the teacher's
// pkg/web/server.go wsClients broadcast (a sync.RWMutex-guarded
// subscriber map with a per-client write loop), generalized from
// broadcast-to-all into predicate-filtered subscriptions and routed
// through a single ingest channel so a subscriber's sink can never
// recursively re-enter Publish synchronously (spec §9).
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
	"github.com/scp81lab/adminserver/pkg/metrics"
)

// SinkFunc receives delivered events. A sink that panics is
// unsubscribed with a logged reason (spec §4.5).
type SinkFunc func(Event)

const subscriberQueueSize = 64

type subscription struct {
	id        uint64
	predicate func(Event) bool
	sink      SinkFunc
	queue     chan Event
	dropped   int64
}

// Bus is the process-wide event bus. It starts with C3 (the PSK-TLS
// listener) and is torn down at shutdown with a bounded flush
// deadline.
type Bus struct {
	log     *logger.Logger
	metrics metrics.Sink

	seq atomic.Uint64

	mu       sync.RWMutex
	subs     map[uint64]*subscription
	nextID   uint64

	ingest chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a bus. ingestSize bounds the number of in-flight
// publishes awaiting fan-out; Publish blocks once it's full, which is
// the backpressure the server feels under sustained overload rather
// than an unbounded queue.
func New(log *logger.Logger, sink metrics.Sink, ingestSize int) *Bus {
	if sink == nil {
		sink = metrics.Noop{}
	}
	b := &Bus{
		log:     log.WithComponent("eventbus"),
		metrics: sink,
		subs:    make(map[uint64]*subscription),
		ingest:  make(chan Event, ingestSize),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues the event for fan-out; the dispatcher assigns the
// next monotonic sequence number as the event leaves the ingest
// channel. Safe to call from any goroutine, including a session loop
// or the TLS listener.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.ingest <- ev:
	case <-b.done:
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev, ok := <-b.ingest:
			if !ok {
				return
			}
			b.fanOut(ev)
		case <-b.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-b.ingest:
					b.fanOut(ev)
				default:
					// Close every subscriber queue so each delivery
					// loop drains what it already holds and exits.
					b.mu.Lock()
					for id, sub := range b.subs {
						delete(b.subs, id)
						close(sub.queue)
					}
					b.mu.Unlock()
					return
				}
			}
		}
	}
}

func (b *Bus) fanOut(ev Event) {
	ev.Seq = b.seq.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.predicate != nil && !sub.predicate(ev) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			atomic.AddInt64(&sub.dropped, 1)
			b.metrics.IncCounter("eventbus_dropped_total", map[string]string{"subscriber": subID(sub.id)}, 1)
		}
	}
}

func subID(id uint64) string {
	return "sub_" + itoa(id)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Subscribe registers sink to receive events matching predicate (nil
// matches everything), delivered in strict monotonic sequence order
// relative to this subscriber (spec §5). Returns an unsubscribe func.
func (b *Bus) Subscribe(predicate func(Event) bool, sink SinkFunc) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{
		id:        id,
		predicate: predicate,
		sink:      sink,
		queue:     make(chan Event, subscriberQueueSize),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliveryLoop(sub)

	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

func (b *Bus) deliveryLoop(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.queue {
		b.deliverOne(sub, ev)
	}
}

func (b *Bus) deliverOne(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber panicked, unsubscribing", "subscriber", subID(sub.id), "panic", r)
			b.unsubscribe(sub.id)
		}
	}()
	sub.sink(ev)
}

// Stop flushes pending events and tears down delivery goroutines
// within the given deadline (spec §4.5: 2 seconds at shutdown).
func (b *Bus) Stop(ctx context.Context) {
	close(b.done)

	doneCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-ctx.Done():
		b.log.Warn("event bus flush deadline exceeded at shutdown")
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
}
