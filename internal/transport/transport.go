// Package transport defines the contract shared by the socket and simulated
// transports. Both funnel the same event types through a bus.Emitter so the
// manager and its callers never know which transport is active.
package transport

import (
	"context"

	"main/internal/bus"
	"main/internal/channel"
)

// Transport owns one logical connection and its event emission.
type Transport interface {
	// Connect establishes the connection. It is idempotent: calling it while
	// already open or opening resolves without a second connection.
	Connect(ctx context.Context) error
	// Disconnect performs a clean close and suppresses reconnection.
	Disconnect()
	// Send writes a message if the connection is open. It returns false
	// without side effects otherwise.
	Send(msg channel.Message) bool
	// Events exposes the transport's emitter.
	Events() *bus.Emitter
	// Quality reports the transport's current connection quality in [0,100].
	Quality() int
}

// OpenedPayload accompanies a connection_opened event.
type OpenedPayload struct {
	Mode    string `json:"mode"`
	Quality int    `json:"quality"`
}

// ClosedPayload accompanies a connection_closed event.
type ClosedPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	Clean  bool   `json:"clean"`
}

// ErrorPayload accompanies a connection_error event. Raw carries the frame
// that failed to parse; Attempts is set on terminal reconnect exhaustion.
type ErrorPayload struct {
	Err      error  `json:"-"`
	Message  string `json:"message"`
	Raw      []byte `json:"-"`
	Attempts int    `json:"attempts,omitempty"`
}

// QualityPayload accompanies a connection_quality_update event.
type QualityPayload struct {
	Quality int `json:"quality"`
}

// ForwardedEventTypes lists the event types the manager rebinds whenever the
// active transport changes.
func ForwardedEventTypes() []string {
	return []string{
		channel.EventConnectionOpened,
		channel.EventConnectionClosed,
		channel.EventConnectionError,
		channel.EventConnectionQualityUpdate,
		channel.TypeMessage,
		channel.TypeStateUpdate,
		channel.TypePong,
	}
}
