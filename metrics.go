package tug

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the blocking-command latency histogram buckets
// in nanoseconds, from 10us to 10s with logarithmic spacing.
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

// Metrics tracks operational statistics for a debugger session
type Metrics struct {
	// Pipe counters
	BytesRead    atomic.Uint64 // Total bytes read off the gdb pipe
	BlocksFramed atomic.Uint64 // Newline-terminated blocks published
	MaxBlockSize atomic.Uint64 // Largest block observed

	// Parse counters
	LinesConsumed atomic.Uint64 // Lines routed by the block consumer
	RecordsParsed atomic.Uint64 // Result/async records parsed
	ParseErrors   atomic.Uint64 // Lines dropped by the record parser
	ConsoleLines  atomic.Uint64 // Lines routed to the console buffer

	// Correlator counters
	CommandsSent     atomic.Uint64 // All commands written to gdb stdin
	BlockingCommands atomic.Uint64 // Commands awaited by ordinal
	CommandErrors    atomic.Uint64 // ^error replies surfaced
	Timeouts         atomic.Uint64 // Blocking sends that timed out
	Resyntheses      atomic.Uint64 // optimized-out error rewrites

	// Blocking-command latency tracking
	TotalLatencyNs atomic.Uint64
	LatencyCount   atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle
	StartTime atomic.Int64 // Session start timestamp (UnixNano)
	StopTime  atomic.Int64 // Session stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
			break
		}
	}
}

// Stop marks the session as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// AverageLatencyNs returns the mean blocking-command latency
func (m *Metrics) AverageLatencyNs() uint64 {
	count := m.LatencyCount.Load()
	if count == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / count
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	BytesRead        uint64 `json:"bytes_read"`
	BlocksFramed     uint64 `json:"blocks_framed"`
	MaxBlockSize     uint64 `json:"max_block_size"`
	LinesConsumed    uint64 `json:"lines_consumed"`
	RecordsParsed    uint64 `json:"records_parsed"`
	ParseErrors      uint64 `json:"parse_errors"`
	ConsoleLines     uint64 `json:"console_lines"`
	CommandsSent     uint64 `json:"commands_sent"`
	BlockingCommands uint64 `json:"blocking_commands"`
	CommandErrors    uint64 `json:"command_errors"`
	Timeouts         uint64 `json:"timeouts"`
	Resyntheses      uint64 `json:"resyntheses"`
	AvgLatencyNs     uint64 `json:"avg_latency_ns"`
	UptimeNs         int64  `json:"uptime_ns"`
}

// Snapshot returns a point-in-time copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	return MetricsSnapshot{
		BytesRead:        m.BytesRead.Load(),
		BlocksFramed:     m.BlocksFramed.Load(),
		MaxBlockSize:     m.MaxBlockSize.Load(),
		LinesConsumed:    m.LinesConsumed.Load(),
		RecordsParsed:    m.RecordsParsed.Load(),
		ParseErrors:      m.ParseErrors.Load(),
		ConsoleLines:     m.ConsoleLines.Load(),
		CommandsSent:     m.CommandsSent.Load(),
		BlockingCommands: m.BlockingCommands.Load(),
		CommandErrors:    m.CommandErrors.Load(),
		Timeouts:         m.Timeouts.Load(),
		Resyntheses:      m.Resyntheses.Load(),
		AvgLatencyNs:     m.AverageLatencyNs(),
		UptimeNs:         stop - m.StartTime.Load(),
	}
}

// Observer receives session events for metrics collection.
// Implementations must be thread-safe; pipe events arrive from the
// reader goroutine.
type Observer interface {
	ObserveReadBytes(n uint64)
	ObserveBlock(size uint64)
	ObserveLine(isRecord bool)
	ObserveRecord(ok bool)
	ObserveConsoleLine()
	ObserveCommand(blocking bool)
	ObserveCommandDone(latencyNs uint64, success bool)
	ObserveTimeout()
	ObserveGDBError()
	ObserveResynthesis()
}

// NoOpObserver discards all events
type NoOpObserver struct{}

func (NoOpObserver) ObserveReadBytes(uint64)         {}
func (NoOpObserver) ObserveBlock(uint64)             {}
func (NoOpObserver) ObserveLine(bool)                {}
func (NoOpObserver) ObserveRecord(bool)              {}
func (NoOpObserver) ObserveConsoleLine()             {}
func (NoOpObserver) ObserveCommand(bool)             {}
func (NoOpObserver) ObserveCommandDone(uint64, bool) {}
func (NoOpObserver) ObserveTimeout()                 {}
func (NoOpObserver) ObserveGDBError()                {}
func (NoOpObserver) ObserveResynthesis()             {}

// MetricsObserver feeds events into a Metrics instance
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by metrics
func NewMetricsObserver(metrics *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

func (o *MetricsObserver) ObserveReadBytes(n uint64) {
	o.metrics.BytesRead.Add(n)
}

func (o *MetricsObserver) ObserveBlock(size uint64) {
	o.metrics.BlocksFramed.Add(1)
	// racy max is fine for a gauge
	if size > o.metrics.MaxBlockSize.Load() {
		o.metrics.MaxBlockSize.Store(size)
	}
}

func (o *MetricsObserver) ObserveLine(isRecord bool) {
	o.metrics.LinesConsumed.Add(1)
}

func (o *MetricsObserver) ObserveRecord(ok bool) {
	if ok {
		o.metrics.RecordsParsed.Add(1)
	} else {
		o.metrics.ParseErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveConsoleLine() {
	o.metrics.ConsoleLines.Add(1)
}

func (o *MetricsObserver) ObserveCommand(blocking bool) {
	o.metrics.CommandsSent.Add(1)
	if blocking {
		o.metrics.BlockingCommands.Add(1)
	}
}

func (o *MetricsObserver) ObserveCommandDone(latencyNs uint64, success bool) {
	o.metrics.recordLatency(latencyNs)
}

func (o *MetricsObserver) ObserveTimeout() {
	o.metrics.Timeouts.Add(1)
}

func (o *MetricsObserver) ObserveGDBError() {
	o.metrics.CommandErrors.Add(1)
}

func (o *MetricsObserver) ObserveResynthesis() {
	o.metrics.Resyntheses.Add(1)
}
