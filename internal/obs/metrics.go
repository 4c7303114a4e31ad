package obs

import (
	"sync/atomic"
	"time"
)

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Metrics collects lightweight counters for the channel runtime.
type Metrics struct {
	framesIn      uint64
	framesOut     uint64
	droppedFrames uint64
	modeSwitches  uint64

	cacheHits   uint64
	cacheMisses uint64
	dedupJoins  uint64

	reconnectLatency LatencyStats
	requestLatency   LatencyStats
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	FramesIn      uint64
	FramesOut     uint64
	DroppedFrames uint64
	ModeSwitches  uint64
	CacheHits     uint64
	CacheMisses   uint64
	DedupJoins    uint64

	ReconnectLatency LatencySnapshot
	RequestLatency   LatencySnapshot
}

// IncFrameIn records an inbound frame.
func (m *Metrics) IncFrameIn() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.framesIn, 1)
}

// IncFrameOut records an outbound frame.
func (m *Metrics) IncFrameOut() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.framesOut, 1)
}

// IncDroppedFrame records a frame dropped for an unknown type or full queue.
func (m *Metrics) IncDroppedFrame() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.droppedFrames, 1)
}

// IncModeSwitch records a transport mode change.
func (m *Metrics) IncModeSwitch() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.modeSwitches, 1)
}

// IncCacheHit records a cache lookup served from a live entry.
func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.cacheHits, 1)
}

// IncCacheMiss records a cache lookup that fell through.
func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.cacheMisses, 1)
}

// IncDedupJoin records a caller that joined an in-flight request.
func (m *Metrics) IncDedupJoin() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.dedupJoins, 1)
}

// ObserveReconnect measures a completed reconnect duration.
func (m *Metrics) ObserveReconnect(d time.Duration) {
	if m == nil {
		return
	}
	m.reconnectLatency.Observe(d)
}

// ObserveRequest measures an end-to-end request duration.
func (m *Metrics) ObserveRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		FramesIn:         atomic.LoadUint64(&m.framesIn),
		FramesOut:        atomic.LoadUint64(&m.framesOut),
		DroppedFrames:    atomic.LoadUint64(&m.droppedFrames),
		ModeSwitches:     atomic.LoadUint64(&m.modeSwitches),
		CacheHits:        atomic.LoadUint64(&m.cacheHits),
		CacheMisses:      atomic.LoadUint64(&m.cacheMisses),
		DedupJoins:       atomic.LoadUint64(&m.dedupJoins),
		ReconnectLatency: m.reconnectLatency.Snapshot(),
		RequestLatency:   m.requestLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}
	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns aggregated latency values.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
