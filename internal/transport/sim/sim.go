// Package sim provides a timer-driven synthetic transport with the same
// event contract as the socket transport. The manager swaps it in when the
// socket exhausts its retries, so upstream code never learns which transport
// is active.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"main/internal/bus"
	"main/internal/channel"
	"main/internal/transport"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

const (
	// ModeName identifies this transport in connection_opened payloads.
	ModeName = "fallback"

	// QualityCap is the fixed quality this transport reports. It sits below
	// any healthy socket score so observers can see the degraded service.
	QualityCap = 50

	defaultConnectDelay   = 150 * time.Millisecond
	defaultEchoLatency    = 300 * time.Millisecond
	defaultUpdateInterval = 5 * time.Second
)

// Config tunes the simulated timings.
type Config struct {
	ConnectDelay   time.Duration
	EchoLatency    time.Duration
	UpdateInterval time.Duration
}

// Transport is the in-memory fallback.
type Transport struct {
	cfg     Config
	emitter *bus.Emitter

	mu        sync.Mutex
	connected bool
	updates   map[string]*time.Ticker
	stop      chan struct{}
}

// New creates a disconnected simulated transport.
func New(cfg Config) *Transport {
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = defaultConnectDelay
	}
	if cfg.EchoLatency <= 0 {
		cfg.EchoLatency = defaultEchoLatency
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	return &Transport{
		cfg:     cfg,
		emitter: bus.NewEmitter(),
		updates: make(map[string]*time.Ticker),
	}
}

// Events exposes the transport emitter.
func (t *Transport) Events() *bus.Emitter {
	return t.emitter
}

// Quality always reports the fixed degraded score.
func (t *Transport) Quality() int {
	return QualityCap
}

// Connect resolves after a short simulated delay and emits connection_opened.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.stop = make(chan struct{})
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		return ctx.Err()
	case <-time.After(t.cfg.ConnectDelay):
	}

	logs.Info("simulated transport connected")
	t.emitter.Emit(channel.EventConnectionOpened, transport.OpenedPayload{
		Mode:    ModeName,
		Quality: QualityCap,
	})
	return nil
}

// Send interprets the reserved control types and echoes content messages.
// All other types are accepted and dropped.
func (t *Transport) Send(msg channel.Message) bool {
	t.mu.Lock()
	connected := t.connected
	stop := t.stop
	t.mu.Unlock()
	if !connected {
		return false
	}

	switch msg.Type {
	case channel.TypePing:
		t.emitter.Emit(channel.TypePong, channel.New(channel.TypePong, nil))
	case channel.TypeSubscribe:
		t.startUpdates(sessionKey(msg), stop)
	case channel.TypeUnsubscribe:
		t.stopUpdates(sessionKey(msg))
	case channel.TypeMessage:
		t.echoAfter(msg, stop)
	default:
		// Accepted and dropped; the peer would not understand it anyway.
	}
	return true
}

// Disconnect stops all timers and emits connection_closed.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	close(t.stop)
	for key, ticker := range t.updates {
		ticker.Stop()
		delete(t.updates, key)
	}
	t.mu.Unlock()

	t.emitter.Emit(channel.EventConnectionClosed, transport.ClosedPayload{
		Code:   1000,
		Reason: "simulated transport closed",
		Clean:  true,
	})
}

// startUpdates begins the periodic synthetic state emission for a session.
func (t *Transport) startUpdates(key string, stop chan struct{}) {
	t.mu.Lock()
	if _, exists := t.updates[key]; exists || !t.connected {
		t.mu.Unlock()
		return
	}
	ticker := time.NewTicker(t.cfg.UpdateInterval)
	t.updates[key] = ticker
	t.mu.Unlock()

	go func() {
		seq := 0
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-stop:
				return
			case <-ticker.C:
				seq++
				t.emitter.Emit(channel.TypeStateUpdate, channel.New(channel.TypeStateUpdate, map[string]any{
					"session_id": key,
					"sequence":   seq,
					"simulated":  true,
				}))
			}
		}
	}()
}

func (t *Transport) stopUpdates(key string) {
	t.mu.Lock()
	if ticker, ok := t.updates[key]; ok {
		ticker.Stop()
		delete(t.updates, key)
	}
	t.mu.Unlock()
}

// echoAfter emits a generated response to a content message after the
// simulated latency.
func (t *Transport) echoAfter(msg channel.Message, stop chan struct{}) {
	go func() {
		select {
		case <-stop:
			return
		case <-time.After(t.cfg.EchoLatency):
		}
		t.emitter.Emit(channel.TypeMessage, channel.New(channel.TypeMessage, map[string]any{
			"id":        uuid.NewString(),
			"echo_of":   msg.Type,
			"text":      fmt.Sprintf("simulated response at %s", time.Now().UTC().Format(time.RFC3339)),
			"simulated": true,
		}))
	}()
}

func sessionKey(msg channel.Message) string {
	var payload channel.SubscribePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.SessionID != "" {
			return payload.SessionID
		}
	}
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return "default"
}

var _ transport.Transport = (*Transport)(nil)
