// Package monitor collects performance samples from the automation engine:
// task durations, operation timings and host resource usage. It answers
// windowed aggregate queries, fires threshold alerts and exports its state as
// JSON for the control API.
package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

const (
	DefaultMaxSamples         = 10000
	DefaultCollectionInterval = 5 * time.Second
)

// Sample is one recorded data point.
type Sample struct {
	Timestamp time.Time         `json:"timestamp"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Aggregate summarizes the samples of one metric within a window.
type Aggregate struct {
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Comparison selects how an alert compares a sample value to its threshold.
type Comparison string

const (
	GreaterThan Comparison = "gt"
	LessThan    Comparison = "lt"
	Equal       Comparison = "eq"
)

// Alert fires its callback when a matching sample crosses the threshold. A
// fired alert stays silent for its cooldown.
type Alert struct {
	Metric    string
	Op        Comparison
	Threshold float64
	Cooldown  time.Duration
	Callback  func(Sample)

	lastFired time.Time
}

func (a *Alert) shouldFire(s Sample, now time.Time) bool {
	if s.Metric != a.Metric {
		return false
	}
	if !a.lastFired.IsZero() && now.Sub(a.lastFired) < a.Cooldown {
		return false
	}
	switch a.Op {
	case GreaterThan:
		return s.Value > a.Threshold
	case LessThan:
		return s.Value < a.Threshold
	case Equal:
		return math.Abs(s.Value-a.Threshold) < 1e-3
	}
	return false
}

// OperationStats accumulates timing statistics for one named operation.
type OperationStats struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

type Config struct {
	MaxSamples         int
	CollectionInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSamples:         DefaultMaxSamples,
		CollectionInterval: DefaultCollectionInterval,
	}
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	samples []Sample // oldest first, trimmed to cfg.MaxSamples
	opStats map[string]*OperationStats
	alerts  []*Alert

	cfg    Config
	logger logging.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, logger logging.Logger) *Monitor {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = DefaultCollectionInterval
	}
	return &Monitor{
		opStats: make(map[string]*OperationStats),
		cfg:     cfg,
		logger:  logger,
	}
}

// Record stores a sample and evaluates alerts against it. A zero timestamp is
// filled with the current time. Alert callbacks run outside the lock.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	var fired []*Alert
	m.mu.Lock()
	m.samples = append(m.samples, s)
	if over := len(m.samples) - m.cfg.MaxSamples; over > 0 {
		m.samples = m.samples[over:]
	}
	now := time.Now()
	for _, a := range m.alerts {
		if a.shouldFire(s, now) {
			a.lastFired = now
			fired = append(fired, a)
		}
	}
	m.mu.Unlock()

	for _, a := range fired {
		if m.logger != nil {
			m.logger.Warn("performance alert triggered",
				"metric", a.Metric, "op", string(a.Op), "threshold", a.Threshold, "value", s.Value)
		}
		if a.Callback != nil {
			a.Callback(s)
		}
	}
}

// Report aggregates the samples of metric within the trailing window. A
// non-positive window covers all retained samples.
func (m *Monitor) Report(metric string, window time.Duration) Aggregate {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	m.mu.Lock()
	values := make([]float64, 0, len(m.samples))
	for _, s := range m.samples {
		if s.Metric == metric && s.Timestamp.After(cutoff) {
			values = append(values, s.Value)
		}
	}
	m.mu.Unlock()

	if len(values) == 0 {
		return Aggregate{}
	}

	sort.Float64s(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	return Aggregate{
		Avg:   sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		Max:   values[len(values)-1],
		Count: len(values),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// AddAlert registers a threshold alert.
func (m *Monitor) AddAlert(a Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, &a)
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("performance alert registered", "metric", a.Metric, "op", string(a.Op), "threshold", a.Threshold)
	}
}

// TimeOperation starts a timer for a named operation. The returned func stops
// the timer and records the duration:
//
//	defer m.TimeOperation("scrape_page")()
func (m *Monitor) TimeOperation(name string) func() {
	start := time.Now()
	return func() {
		m.RecordOperationTime(name, time.Since(start))
	}
}

// RecordOperationTime folds a duration into the operation's stats and records
// it as a regular sample named operation_time_<name>.
func (m *Monitor) RecordOperationTime(name string, d time.Duration) {
	m.mu.Lock()
	st, ok := m.opStats[name]
	if !ok {
		st = &OperationStats{Min: d, Max: d}
		m.opStats[name] = st
	}
	st.Count++
	st.Total += d
	if d < st.Min {
		st.Min = d
	}
	if d > st.Max {
		st.Max = d
	}
	st.Avg = st.Total / time.Duration(st.Count)
	m.mu.Unlock()

	m.Record(Sample{
		Metric: "operation_time_" + name,
		Value:  d.Seconds(),
		Unit:   "seconds",
	})
}

// OperationStatsFor returns a copy of the stats for one operation.
func (m *Monitor) OperationStatsFor(name string) (OperationStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.opStats[name]
	if !ok {
		return OperationStats{}, false
	}
	return *st, true
}

// AllOperationStats returns a copy of every operation's stats.
func (m *Monitor) AllOperationStats() map[string]OperationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]OperationStats, len(m.opStats))
	for name, st := range m.opStats {
		out[name] = *st
	}
	return out
}

// SampleCount returns the number of retained samples.
func (m *Monitor) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

type export struct {
	ExportedAt     time.Time                 `json:"exported_at"`
	Samples        []Sample                  `json:"samples"`
	OperationStats map[string]OperationStats `json:"operation_stats"`
	Alerts         int                       `json:"alerts"`
}

// ExportJSON writes the retained samples and operation stats as one JSON
// document.
func (m *Monitor) ExportJSON(w io.Writer) error {
	m.mu.Lock()
	doc := export{
		ExportedAt:     time.Now().UTC(),
		Samples:        append([]Sample(nil), m.samples...),
		OperationStats: make(map[string]OperationStats, len(m.opStats)),
		Alerts:         len(m.alerts),
	}
	for name, st := range m.opStats {
		doc.OperationStats[name] = *st
	}
	m.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to export monitor state: %w", err)
	}
	return nil
}

// Clear drops all samples and operation stats. Registered alerts survive.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	m.opStats = make(map[string]*OperationStats)
}
