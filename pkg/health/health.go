// Package health reports the admin server's own operational status —
// not UICC/session health — as an in-process view. The REST façade's
// /api/server/status endpoint does not read it; that endpoint takes its
// session counts from pkg/session. Adapted from a telecom watchdog: SessionsActive/ErrorCount
// replace subscriber/alarm counters, and the panic-on-stall restart
// trigger is replaced with an injectable OnStall callback since this
// process has no supervisor to hand a restart signal to.
package health

import (
	"sync"
	"time"
)

// Check tracks the server's liveness and running counters.
type Check struct {
	config    Config
	status    Status
	lastBeat  time.Time
	startedAt time.Time
	mu        sync.RWMutex
}

// Config holds health check configuration.
type Config struct {
	CheckInterval   time.Duration
	WatchdogEnabled bool
	WatchdogTimeout time.Duration
	// OnStall is invoked (from the watchdog goroutine) when no Beat
	// call has arrived within WatchdogTimeout. Left nil, a stall has no
	// visible effect: Status().Healthy is derived from component
	// health only, not from the watchdog.
	OnStall func()
}

// Status is the externally-visible snapshot served by the REST façade.
type Status struct {
	Healthy         bool
	Timestamp       time.Time
	UptimeSeconds   int64
	APDUsProcessed  int64
	SessionsActive  int64
	ErrorCount      int64
	LastError       string
	ComponentStatus map[string]ComponentStatus
}

// ComponentStatus is the health of one named subsystem (e.g.
// "psktls_listener", "session_store").
type ComponentStatus struct {
	Name      string
	Healthy   bool
	Message   string
	LastCheck time.Time
}

// New creates a health tracker. CheckInterval <= 0 disables the
// periodic uptime/staleness sweep; WatchdogEnabled requires periodic
// Beat() calls from the caller (typically the psktls accept loop).
func New(cfg Config) *Check {
	now := time.Now()
	c := &Check{
		config:    cfg,
		startedAt: now,
		lastBeat:  now,
		status: Status{
			Healthy:         true,
			Timestamp:       now,
			ComponentStatus: make(map[string]ComponentStatus),
		},
	}
	if cfg.CheckInterval > 0 {
		go c.sweepLoop()
	}
	if cfg.WatchdogEnabled && cfg.WatchdogTimeout > 0 {
		go c.watchdogLoop()
	}
	return c
}

// Status returns a deep copy of the current status.
func (c *Check) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.status
	out.ComponentStatus = make(map[string]ComponentStatus, len(c.status.ComponentStatus))
	for k, v := range c.status.ComponentStatus {
		out.ComponentStatus[k] = v
	}
	return out
}

// SetComponent records the health of one named subsystem.
func (c *Check) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ComponentStatus[name] = ComponentStatus{Name: name, Healthy: healthy, Message: message, LastCheck: time.Now()}
	c.recomputeHealthy()
}

// RecordAPDU increments the processed-APDU counter.
func (c *Check) RecordAPDU() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.APDUsProcessed++
}

// RecordError increments the error counter and records the message.
func (c *Check) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ErrorCount++
	c.status.LastError = err.Error()
}

// SetSessionsActive updates the live session count, typically from
// sessionManager.ActiveCount().
func (c *Check) SetSessionsActive(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.SessionsActive = n
}

// Beat marks the process as alive for watchdog purposes.
func (c *Check) Beat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBeat = time.Now()
}

func (c *Check) sweepLoop() {
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		c.status.Timestamp = time.Now()
		c.status.UptimeSeconds = int64(time.Since(c.startedAt).Seconds())
		c.recomputeHealthy()
		c.mu.Unlock()
	}
}

func (c *Check) watchdogLoop() {
	ticker := time.NewTicker(c.config.WatchdogTimeout / 2)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.RLock()
		stalled := time.Since(c.lastBeat) > c.config.WatchdogTimeout
		c.mu.RUnlock()
		if stalled && c.config.OnStall != nil {
			c.config.OnStall()
		}
	}
}

func (c *Check) recomputeHealthy() {
	healthy := true
	for _, comp := range c.status.ComponentStatus {
		if !comp.Healthy {
			healthy = false
			break
		}
	}
	c.status.Healthy = healthy
}

// IsHealthy reports overall health.
func (c *Check) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Healthy
}
