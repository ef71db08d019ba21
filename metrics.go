package reprl

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the execution-latency histogram buckets in
// nanoseconds, from 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks operational statistics for a HostBinding across its
// lifetime: executions, outcomes, and coverage growth.
type Metrics struct {
	Executions   atomic.Uint64 // total execute_script calls
	Timeouts     atomic.Uint64 // executions that timed out
	Crashes      atomic.Uint64 // executions whose child crashed
	ChildRestarts atomic.Uint64 // spawns performed to replace a dead/missing child
	SpawnFailures atomic.Uint64 // spawn_child calls that failed

	EdgesDiscovered atomic.Uint64 // cumulative new edges found by evaluate_coverage

	TotalLatencyNs atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordExecution records the outcome of one execute_script call.
func (m *Metrics) RecordExecution(latencyNs uint64, status ExecutionStatus) {
	m.Executions.Add(1)
	m.TotalLatencyNs.Add(latencyNs)
	if status.TimedOut() {
		m.Timeouts.Add(1)
	}
	if status.Crashed() || (status.Signaled() && !status.TimedOut()) {
		m.Crashes.Add(1)
	}
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordSpawn records a child spawn attempt.
func (m *Metrics) RecordSpawn(ok bool) {
	if ok {
		m.ChildRestarts.Add(1)
	} else {
		m.SpawnFailures.Add(1)
	}
}

// RecordEdgesDiscovered adds newly discovered edges to the cumulative total.
func (m *Metrics) RecordEdgesDiscovered(n uint64) {
	m.EdgesDiscovered.Add(n)
}

// Stop marks the binding as shut down.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	Executions    uint64
	Timeouts      uint64
	Crashes       uint64
	ChildRestarts uint64
	SpawnFailures uint64

	EdgesDiscovered uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ExecutionsPerSecond float64
	TimeoutRate         float64 // percentage of executions that timed out
	CrashRate           float64 // percentage of executions that crashed
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Executions:      m.Executions.Load(),
		Timeouts:        m.Timeouts.Load(),
		Crashes:         m.Crashes.Load(),
		ChildRestarts:   m.ChildRestarts.Load(),
		SpawnFailures:   m.SpawnFailures.Load(),
		EdgesDiscovered: m.EdgesDiscovered.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	if snap.Executions > 0 {
		snap.AvgLatencyNs = totalLatencyNs / snap.Executions
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ExecutionsPerSecond = float64(snap.Executions) / uptimeSeconds
	}
	if snap.Executions > 0 {
		snap.TimeoutRate = float64(snap.Timeouts) / float64(snap.Executions) * 100.0
		snap.CrashRate = float64(snap.Crashes) / float64(snap.Executions) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	return snap
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.Executions.Store(0)
	m.Timeouts.Store(0)
	m.Crashes.Store(0)
	m.ChildRestarts.Store(0)
	m.SpawnFailures.Store(0)
	m.EdgesDiscovered.Store(0)
	m.TotalLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, mirroring the shape of
// the execution pipeline so callers can wire in their own sinks.
type Observer interface {
	ObserveExecution(latencyNs uint64, status ExecutionStatus)
	ObserveSpawn(ok bool)
	ObserveEdgesDiscovered(n uint64)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveExecution(uint64, ExecutionStatus) {}
func (NoOpObserver) ObserveSpawn(bool)                        {}
func (NoOpObserver) ObserveEdgesDiscovered(uint64)            {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveExecution(latencyNs uint64, status ExecutionStatus) {
	o.metrics.RecordExecution(latencyNs, status)
}

func (o *MetricsObserver) ObserveSpawn(ok bool) {
	o.metrics.RecordSpawn(ok)
}

func (o *MetricsObserver) ObserveEdgesDiscovered(n uint64) {
	o.metrics.RecordEdgesDiscovered(n)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
