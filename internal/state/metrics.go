package state

import (
	"math"
	"time"

	"main/internal/obs"
)

// Metrics is a point-in-time view of the connection counters.
type Metrics struct {
	TotalConnections      uint64
	SuccessfulConnections uint64
	FailedConnections     uint64
	TotalReconnections    uint64
	AvgReconnectDuration  time.Duration
	LastConnectedAt       time.Time
	LastDisconnectedAt    time.Time
	Uptime                time.Duration
}

// Metrics returns a copy of the current counters. Uptime is derived on read.
func (m *Machine) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var uptime time.Duration
	if m.current == StateConnected && !m.lastConnectedAt.IsZero() {
		uptime = time.Since(m.lastConnectedAt)
	}
	return Metrics{
		TotalConnections:      m.totalConnections,
		SuccessfulConnections: m.successfulConnections,
		FailedConnections:     m.failedConnections,
		TotalReconnections:    m.totalReconnections,
		AvgReconnectDuration:  m.reconnectStats.Snapshot().Avg,
		LastConnectedAt:       m.lastConnectedAt,
		LastDisconnectedAt:    m.lastDisconnectedAt,
		Uptime:                uptime,
	}
}

// ReconnectStats exposes the aggregated reconnect latency samples.
func (m *Machine) ReconnectStats() obs.LatencySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectStats.Snapshot()
}

// Quality derives a connection quality score in [0,100]: a weighted blend of
// success rate (70%) and normalized reconnect latency (30%). A machine with
// no attempts yet scores a full 100.
func (m *Machine) Quality() int {
	metrics := m.Metrics()
	if metrics.TotalConnections == 0 {
		return 100
	}

	successRate := float64(metrics.SuccessfulConnections) / float64(metrics.TotalConnections)
	if successRate > 1 {
		successRate = 1
	}

	avgSeconds := metrics.AvgReconnectDuration.Seconds()
	if avgSeconds > 10 {
		avgSeconds = 10
	}
	latencyScore := (10 - avgSeconds) / 10

	score := int(math.Round(0.7*successRate*100 + 0.3*latencyScore*100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
