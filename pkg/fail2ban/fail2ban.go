// Package fail2ban implements the per-peer PSK mismatch flood control
// named in spec.md §4.3: once a peer IP accumulates enough handshake
// failures within a window, further connections from it are refused
// for a cooldown period. Split out of pkg/psktls so the bucket logic
// is unit-testable without a TLS handshake in the loop. Grounded on
// the teacher's CorrelationEngine cleanup-goroutine idiom — a
// ticker-driven sweep that expires stale per-key state rather than
// leaking memory for peers seen once.
package fail2ban

import (
	"sync"
	"time"
)

const (
	// DefaultThreshold is the failure count that trips a flood.
	DefaultThreshold = 5
	// DefaultWindow is how recently those failures must have occurred.
	DefaultWindow = 60 * time.Second
	// DefaultBanDuration is how long a tripped peer is refused.
	DefaultBanDuration = 60 * time.Second
)

type bucketState struct {
	failures  []time.Time
	bannedAt  time.Time
	isBanned  bool
}

// Tracker is the process-wide mismatch bucket (spec.md §5: "the
// per-peer mismatch bucket ... guarded"). Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	buckets   map[string]*bucketState
	threshold int
	window    time.Duration
	banFor    time.Duration
	now       func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option customizes a Tracker; used by tests to override thresholds
// and the clock.
type Option func(*Tracker)

func WithThreshold(n int) Option        { return func(t *Tracker) { t.threshold = n } }
func WithWindow(d time.Duration) Option  { return func(t *Tracker) { t.window = d } }
func WithBanFor(d time.Duration) Option { return func(t *Tracker) { t.banFor = d } }
func withClock(f func() time.Time) Option {
	return func(t *Tracker) { t.now = f }
}

// New creates a Tracker and starts its cleanup sweep. Call Stop at
// server shutdown (spec.md §9: "Initialise them explicitly at server
// start; tear them down at shutdown").
func New(opts ...Option) *Tracker {
	t := &Tracker{
		buckets:   make(map[string]*bucketState),
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		banFor:    DefaultBanDuration,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Allowed reports whether a new connection attempt from ip should be
// accepted. False means the peer is within an active ban window.
func (t *Tracker) Allowed(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[ip]
	if !ok || !b.isBanned {
		return true
	}
	if t.now().Sub(b.bannedAt) >= t.banFor {
		b.isBanned = false
		b.failures = nil
		return true
	}
	return false
}

// RecordFailure records a handshake_failed event for ip and reports
// whether this call is the one that tripped the flood threshold (so
// the caller emits exactly one psk_mismatch_flood event per episode).
func (t *Tracker) RecordFailure(ip string) (flooded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &bucketState{}
		t.buckets[ip] = b
	}
	now := t.now()
	cutoff := now.Add(-t.window)
	kept := b.failures[:0:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, now)
	b.failures = kept

	if !b.isBanned && len(b.failures) >= t.threshold {
		b.isBanned = true
		b.bannedAt = now
		return true
	}
	return false
}

// Stop halts the cleanup sweep.
func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stop:
			return
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	cutoff := now.Add(-t.window)
	for ip, b := range t.buckets {
		if b.isBanned && now.Sub(b.bannedAt) < t.banFor {
			continue
		}
		kept := b.failures[:0:0]
		for _, f := range b.failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 && !b.isBanned {
			delete(t.buckets, ip)
			continue
		}
		b.failures = kept
		b.isBanned = false
	}
}
