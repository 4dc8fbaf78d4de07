package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/scp81lab/adminserver/internal/logger"
)

// LogSink logs every metric delta through the structured logger and
// keeps an in-process rolling view (counters, gauges, and latency
// percentiles) so live numbers are available in-process without a
// real metrics backend.
// Percentile bookkeeping is grounded on the teacher's
// pkg/analytics/kpi.go ProcedureMetrics (latency P95/P99 tracking),
// retargeted from telecom procedure latency to APDU round-trip time.
type LogSink struct {
	log *logger.Logger

	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
}

type histogram struct {
	samples []time.Duration // capped ring of recent observations
}

const maxHistogramSamples = 2048

// NewLogSink creates a LogSink that logs through the given component logger.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{
		log:        log.WithComponent("metrics"),
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := name
	for _, k := range keys {
		out += "|" + k + "=" + labels[k]
	}
	return out
}

func (s *LogSink) IncCounter(name string, labels map[string]string, delta float64) {
	k := key(name, labels)
	s.mu.Lock()
	s.counters[k] += delta
	value := s.counters[k]
	s.mu.Unlock()
	s.log.Debug("counter", "metric", name, "labels", labels, "delta", delta, "value", value)
}

func (s *LogSink) SetGauge(name string, labels map[string]string, value float64) {
	k := key(name, labels)
	s.mu.Lock()
	s.gauges[k] = value
	s.mu.Unlock()
	s.log.Debug("gauge", "metric", name, "labels", labels, "value", value)
}

func (s *LogSink) ObserveHistogram(name string, labels map[string]string, value time.Duration) {
	k := key(name, labels)
	s.mu.Lock()
	h, ok := s.histograms[k]
	if !ok {
		h = &histogram{}
		s.histograms[k] = h
	}
	h.samples = append(h.samples, value)
	if len(h.samples) > maxHistogramSamples {
		h.samples = h.samples[len(h.samples)-maxHistogramSamples:]
	}
	s.mu.Unlock()
	s.log.Debug("histogram", "metric", name, "labels", labels, "value_us", value.Microseconds())
}

// Counter returns the current value of a counter, for status reporting.
func (s *LogSink) Counter(name string, labels map[string]string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key(name, labels)]
}

// Gauge returns the current value of a gauge.
func (s *LogSink) Gauge(name string, labels map[string]string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[key(name, labels)]
}

// Percentiles returns p50/p95/p99 for a named histogram over its
// currently retained samples.
func (s *LogSink) Percentiles(name string, labels map[string]string) (p50, p95, p99 time.Duration) {
	s.mu.Lock()
	h, ok := s.histograms[key(name, labels)]
	var samples []time.Duration
	if ok {
		samples = append(samples, h.samples...)
	}
	s.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return percentileOf(samples, 0.50), percentileOf(samples, 0.95), percentileOf(samples, 0.99)
}

func percentileOf(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
