package state

import (
	"sync"
	"time"

	"main/internal/obs"
	"main/pkg/backoff"
	"main/pkg/exception"

	"github.com/yanun0323/logs"
)

// State tracks the lifecycle of the channel connection.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions encodes the lifecycle graph. A transition absent from the
// table is rejected instead of silently applied.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateReconnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateError},
	StateReconnecting: {StateConnected, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateReconnecting, StateDisconnected},
}

// Listener observes applied transitions.
type Listener func(old, new State)

// Config tunes the state machine timers and reconnect pacing.
type Config struct {
	// ConnectionTimeout force-fails a connect attempt that reports neither
	// success nor failure in time. Zero disables the timer.
	ConnectionTimeout time.Duration
	// Reconnect paces reconnect attempts.
	Reconnect backoff.Policy
}

// Machine is the single source of truth for lifecycle state and metrics.
// It performs no I/O; transports drive it through the On* calls.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	current   State
	listeners []Listener

	totalConnections      uint64
	successfulConnections uint64
	failedConnections     uint64
	totalReconnections    uint64
	lastConnectedAt       time.Time
	lastDisconnectedAt    time.Time
	reconnectStartedAt    time.Time
	reconnectStats        obs.LatencyStats

	connTimer *time.Timer
}

// NewMachine creates a machine in the disconnected state.
func NewMachine(cfg Config) *Machine {
	if cfg.Reconnect == (backoff.Policy{}) {
		cfg.Reconnect = backoff.DefaultReconnect()
	}
	return &Machine{
		cfg:     cfg,
		current: StateDisconnected,
	}
}

// Current returns the active state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnTransition registers a listener notified synchronously on every applied
// transition, in registration order.
func (m *Machine) OnTransition(fn Listener) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// transition applies a state change while holding the lock and returns the
// listeners to notify once the lock is released. Listeners never run under
// the lock so they may call back into the machine.
func (m *Machine) transition(next State) (notify func(), err error) {
	old := m.current
	if old == next {
		return nil, nil
	}
	if !transitionAllowed(old, next) {
		logs.Warnf("rejected state transition %s -> %s", old, next)
		return nil, exception.ErrInvalidTransition
	}

	// A fresh attempt from an idle or failed connection counts toward the
	// attempt total; re-entering connected does not.
	if (next == StateConnecting || next == StateReconnecting) &&
		(old == StateDisconnected || old == StateError) {
		m.totalConnections++
	}

	m.current = next
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	return func() {
		for _, fn := range listeners {
			fn(old, next)
		}
	}, nil
}

// SetState applies a transition. Invalid transitions are logged and rejected.
func (m *Machine) SetState(next State) error {
	m.mu.Lock()
	notify, err := m.transition(next)
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
	return err
}

// OnConnectionSuccess records a successful open and transitions to connected.
func (m *Machine) OnConnectionSuccess() {
	m.mu.Lock()
	m.clearConnTimerLocked()
	m.successfulConnections++
	m.lastConnectedAt = time.Now()

	if m.current == StateReconnecting && !m.reconnectStartedAt.IsZero() {
		m.reconnectStats.Observe(time.Since(m.reconnectStartedAt))
		m.reconnectStartedAt = time.Time{}
	}

	notify, err := m.transition(StateConnected)
	if err != nil {
		logs.Warnf("connection success in state %s: %v", m.current, err)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// OnConnectionFailure records a failed attempt and transitions to error.
func (m *Machine) OnConnectionFailure() {
	m.mu.Lock()
	m.clearConnTimerLocked()
	m.failedConnections++
	m.lastDisconnectedAt = time.Now()

	notify, err := m.transition(StateError)
	if err != nil {
		logs.Warnf("connection failure in state %s: %v", m.current, err)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// OnDisconnection records a closed connection and transitions to disconnected.
func (m *Machine) OnDisconnection() {
	m.mu.Lock()
	m.lastDisconnectedAt = time.Now()
	notify, err := m.transition(StateDisconnected)
	if err != nil {
		logs.Warnf("disconnection in state %s: %v", m.current, err)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// OnReconnectStart records the beginning of a reconnect attempt.
func (m *Machine) OnReconnectStart() {
	m.mu.Lock()
	m.totalReconnections++
	m.reconnectStartedAt = time.Now()
	notify, err := m.transition(StateReconnecting)
	if err != nil {
		logs.Warnf("reconnect start in state %s: %v", m.current, err)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// ReconnectDelay returns the jittered wait before the given attempt (1-based).
func (m *Machine) ReconnectDelay(attempt int) time.Duration {
	return m.cfg.Reconnect.Delay(attempt)
}

// StartConnectionTimer arms the connect timeout. If neither success nor
// failure lands before it fires while connecting or reconnecting, the machine
// force-transitions to error.
func (m *Machine) StartConnectionTimer() {
	if m.cfg.ConnectionTimeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearConnTimerLocked()
	m.connTimer = time.AfterFunc(m.cfg.ConnectionTimeout, m.onConnectionTimeout)
}

// Destroy stops the machine's timers.
func (m *Machine) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearConnTimerLocked()
}

func (m *Machine) onConnectionTimeout() {
	m.mu.Lock()
	if m.current != StateConnecting && m.current != StateReconnecting {
		m.mu.Unlock()
		return
	}
	logs.Warnf("connection attempt timed out after %s", m.cfg.ConnectionTimeout)
	m.connTimer = nil
	m.failedConnections++
	m.lastDisconnectedAt = time.Now()
	notify, err := m.transition(StateError)
	if err != nil {
		logs.Warnf("connection timeout in state %s: %v", m.current, err)
	}
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (m *Machine) clearConnTimerLocked() {
	if m.connTimer != nil {
		m.connTimer.Stop()
		m.connTimer = nil
	}
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
