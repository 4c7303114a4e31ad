// Package manager arbitrates between the socket and simulated transports and
// exposes one event-subscription surface to the rest of the application.
package manager

import (
	"context"
	"sync"
	"time"

	"main/internal/bus"
	"main/internal/channel"
	"main/internal/obs"
	"main/internal/state"
	"main/internal/transport"
	"main/pkg/backoff"
	"main/pkg/exception"

	"github.com/yanun0323/logs"
)

// Mode identifies the active transport.
type Mode uint8

const (
	ModeOffline Mode = iota
	ModeWebSocket
	ModeFallback
)

// String returns the wire representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeWebSocket:
		return "websocket"
	case ModeFallback:
		return "fallback"
	case ModeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Config tunes the manager-local retry tier and quality reporting.
type Config struct {
	// MaxRetries bounds the manager-local retry budget applied after the
	// transport's own budget is exhausted. Default 3.
	MaxRetries int
	// Retry paces manager-local retries. Default linear 2s per attempt.
	Retry backoff.Policy
	// QualityInterval paces connection_quality_update events. Zero disables.
	QualityInterval time.Duration
}

// Manager selects the active transport and fans its events out to callers.
// Only the manager switches modes.
type Manager struct {
	cfg      Config
	machine  *state.Machine
	metrics  *obs.Metrics
	primary  transport.Transport
	fallback transport.Transport
	emitter  *bus.Emitter
	feed     *bus.Queue

	mu                sync.Mutex
	mode              Mode
	retryCount        int
	permanentFallback bool
	connecting        bool
	destroyed         bool
	unbind            []func()

	stopQuality chan struct{}
}

// New wires a manager over the two transports. feed may be nil; when set,
// lifecycle events are published to it for the recorder.
func New(cfg Config, machine *state.Machine, metrics *obs.Metrics,
	primary, fallback transport.Transport, feed *bus.Queue) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.Policy{Kind: backoff.Linear, Base: 2 * time.Second}
	}

	m := &Manager{
		cfg:         cfg,
		machine:     machine,
		metrics:     metrics,
		primary:     primary,
		fallback:    fallback,
		emitter:     bus.NewEmitter(),
		feed:        feed,
		mode:        ModeOffline,
		stopQuality: make(chan struct{}),
	}

	machine.OnTransition(func(old, new state.State) {
		m.publishFeed("state_transition", map[string]string{
			"from": old.String(),
			"to":   new.String(),
		})
	})

	// The socket's terminal error after its own budget is the signal for the
	// manager's retry tier. Only an established websocket session that died
	// gets the tier; during initial arbitration the Connect path itself owns
	// the degradation to fallback.
	primary.Events().On(channel.EventConnectionError, func(payload any) {
		errPayload, ok := payload.(transport.ErrorPayload)
		if !ok || errPayload.Attempts == 0 {
			return
		}
		m.mu.Lock()
		eligible := m.mode == ModeWebSocket && !m.connecting &&
			!m.permanentFallback && !m.destroyed
		m.mu.Unlock()
		if eligible {
			go m.recoverPrimary()
		}
	})

	if cfg.QualityInterval > 0 {
		go m.qualityLoop()
	}
	return m
}

// Mode returns the active transport mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Quality reports the active transport's quality score; offline scores zero.
func (m *Manager) Quality() int {
	tr := m.active()
	if tr == nil {
		return 0
	}
	return tr.Quality()
}

// On registers a handler on the manager's public emitter.
func (m *Manager) On(eventType string, fn bus.Handler) (off func()) {
	return m.emitter.On(eventType, fn)
}

// Once registers a single-shot handler.
func (m *Manager) Once(eventType string, fn bus.Handler) (off func()) {
	return m.emitter.Once(eventType, fn)
}

// Off removes all handlers for the event type.
func (m *Manager) Off(eventType string) {
	m.emitter.Off(eventType)
}

// Connect attempts the primary transport, then the fallback, and sets the
// mode accordingly. Both failing leaves the manager offline with a terminal
// connection_error emitted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return exception.ErrTransportClosed
	}
	if m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	skipPrimary := m.permanentFallback
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	if !skipPrimary {
		m.bind(m.primary)
		if err := m.primary.Connect(ctx); err == nil {
			m.setMode(ModeWebSocket)
			return nil
		}
		logs.Warnf("primary transport unavailable, degrading to fallback")
	}

	m.bind(m.fallback)
	if err := m.fallback.Connect(ctx); err == nil {
		m.setMode(ModeFallback)
		return nil
	}

	m.bind(nil)
	m.setMode(ModeOffline)
	m.emitter.Emit(channel.EventConnectionError, transport.ErrorPayload{
		Err:     exception.ErrExhaustedRetries,
		Message: "all transports failed",
	})
	return exception.ErrExhaustedRetries
}

// Send delegates to the active transport. Offline mode returns false with no
// side effect.
func (m *Manager) Send(msg channel.Message) bool {
	tr := m.active()
	if tr == nil {
		return false
	}
	return tr.Send(msg)
}

// Disconnect cleanly closes whatever transport is active.
func (m *Manager) Disconnect() {
	tr := m.active()
	if tr != nil {
		tr.Disconnect()
	}
	m.bind(nil)
	m.setMode(ModeOffline)
}

// Refresh disconnects the active transport, resets the retry tier, and
// connects again. It is the only path back to the primary transport after a
// permanent fallback.
func (m *Manager) Refresh(ctx context.Context) error {
	m.Disconnect()
	m.mu.Lock()
	m.retryCount = 0
	m.permanentFallback = false
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Destroy tears down transports and timers. The manager cannot be reused.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	close(m.stopQuality)
	m.mu.Unlock()

	m.Disconnect()
	m.machine.Destroy()
	if m.feed != nil {
		m.feed.Close()
	}
}

// recoverPrimary runs the manager-local retry tier after an established
// primary session gave up, then falls back permanently when the budget runs
// out. It holds the connecting guard for its whole run so it never rebinds
// while a Connect is arbitrating.
func (m *Manager) recoverPrimary() {
	m.mu.Lock()
	if m.destroyed || m.connecting || m.permanentFallback || m.mode != ModeWebSocket {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.destroyed {
			m.connecting = false
			m.mu.Unlock()
			return
		}
		if m.retryCount >= m.cfg.MaxRetries {
			m.permanentFallback = true
			m.connecting = false
			m.mu.Unlock()
			break
		}
		m.retryCount++
		attempt := m.retryCount
		m.mu.Unlock()

		wait := m.cfg.Retry.Delay(attempt)
		logs.Infof("manager retry %d/%d in %s", attempt, m.cfg.MaxRetries, wait)
		time.Sleep(wait)

		m.bind(m.primary)
		if err := m.primary.Connect(context.Background()); err == nil {
			m.mu.Lock()
			m.retryCount = 0
			m.connecting = false
			m.mu.Unlock()
			m.setMode(ModeWebSocket)
			return
		}
	}

	// permanentFallback is set, so this Connect skips the primary and
	// arbitrates the fallback under the regular guard.
	logs.Warnf("manager retry budget exhausted, falling back for the session")
	if err := m.Connect(context.Background()); err != nil {
		logs.Warnf("fallback unavailable after retry budget: %v", err)
	}
}

// bind rebinds the forwarded event types to the given transport's emitter.
// It runs before a connect attempt so the resulting connection_opened is
// forwarded. Passing nil removes all forwards.
func (m *Manager) bind(tr transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, off := range m.unbind {
		off()
	}
	m.unbind = nil
	if tr == nil {
		return
	}
	for _, eventType := range transport.ForwardedEventTypes() {
		eventType := eventType
		off := tr.Events().On(eventType, func(payload any) {
			m.emitter.Emit(eventType, payload)
		})
		m.unbind = append(m.unbind, off)
	}
}

// setMode records a mode change.
func (m *Manager) setMode(mode Mode) {
	m.mu.Lock()
	old := m.mode
	m.mode = mode
	m.mu.Unlock()

	if old != mode {
		m.metrics.IncModeSwitch()
		logs.Infof("connection mode %s -> %s", old, mode)
		m.publishFeed("mode_switch", map[string]string{
			"from": old.String(),
			"to":   mode.String(),
		})
	}
}

func (m *Manager) active() transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.mode {
	case ModeWebSocket:
		return m.primary
	case ModeFallback:
		return m.fallback
	default:
		return nil
	}
}

func (m *Manager) qualityLoop() {
	ticker := time.NewTicker(m.cfg.QualityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopQuality:
			return
		case <-ticker.C:
			if m.Mode() == ModeOffline {
				continue
			}
			m.emitter.Emit(channel.EventConnectionQualityUpdate, transport.QualityPayload{
				Quality: m.Quality(),
			})
		}
	}
}

func (m *Manager) publishFeed(eventType string, payload any) {
	if m.feed == nil {
		return
	}
	if err := m.feed.TryPublish(bus.Event{
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}); err != nil {
		m.metrics.IncDroppedFrame()
	}
}
