package fail2ban

import (
	"testing"
	"time"
)

func TestAllowedByDefault(t *testing.T) {
	tr := New()
	defer tr.Stop()
	if !tr.Allowed("10.0.0.1") {
		t.Fatal("expected unseen peer to be allowed")
	}
}

func TestFloodTripsAfterThreshold(t *testing.T) {
	tr := New(WithThreshold(5), WithWindow(time.Minute), WithBanFor(time.Minute))
	defer tr.Stop()

	ip := "10.0.0.2"
	var flooded bool
	for i := 0; i < 5; i++ {
		flooded = tr.RecordFailure(ip)
	}
	if !flooded {
		t.Fatal("expected 5th failure to trip the flood")
	}
	if tr.Allowed(ip) {
		t.Fatal("expected peer to be banned after flood")
	}
}

func TestFloodFiresOnlyOnce(t *testing.T) {
	tr := New(WithThreshold(3), WithWindow(time.Minute), WithBanFor(time.Minute))
	defer tr.Stop()

	ip := "10.0.0.3"
	results := make([]bool, 0, 5)
	for i := 0; i < 5; i++ {
		results = append(results, tr.RecordFailure(ip))
	}
	trips := 0
	for _, r := range results {
		if r {
			trips++
		}
	}
	if trips != 1 {
		t.Fatalf("expected exactly one flood trip, got %d", trips)
	}
}

func TestBanExpiresAfterWindow(t *testing.T) {
	cur := time.Now()
	tr := New(WithThreshold(2), WithWindow(time.Minute), WithBanFor(10*time.Millisecond), withClock(func() time.Time { return cur }))
	defer tr.Stop()

	ip := "10.0.0.4"
	tr.RecordFailure(ip)
	tr.RecordFailure(ip)
	if tr.Allowed(ip) {
		t.Fatal("expected ban immediately after trip")
	}
	cur = cur.Add(20 * time.Millisecond)
	if !tr.Allowed(ip) {
		t.Fatal("expected ban to expire after ban duration")
	}
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	cur := time.Now()
	tr := New(WithThreshold(2), WithWindow(50*time.Millisecond), WithBanFor(time.Minute), withClock(func() time.Time { return cur }))
	defer tr.Stop()

	ip := "10.0.0.5"
	tr.RecordFailure(ip)
	cur = cur.Add(100 * time.Millisecond)
	tr.RecordFailure(ip)
	if tr.Allowed(ip) == false {
		t.Fatal("two failures separated by more than the window should not ban")
	}
}
