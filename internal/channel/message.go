package channel

import (
	"encoding/json"
	"time"
)

// Reserved message types exchanged on the wire.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMessage     = "message"
	TypeStateUpdate = "state_update"
)

// Synthetic event types generated by the manager and transports.
// These never travel over the wire.
const (
	EventConnectionOpened        = "connection_opened"
	EventConnectionClosed        = "connection_closed"
	EventConnectionError         = "connection_error"
	EventConnectionQualityUpdate = "connection_quality_update"
)

// Message is the unit exchanged on the wire. Payload schemas are a
// collaborator concern; the channel core treats them as opaque.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
}

// SubscribePayload is the session-scoped interest registration payload
// carried by subscribe/unsubscribe messages.
type SubscribePayload struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

// New builds a message of the given type with a marshaled payload.
// A payload that cannot be marshaled is carried as null.
func New(msgType string, payload any) Message {
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

// Decode parses a wire frame into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Encode serializes the message, stamping the timestamp when unset.
func (m Message) Encode() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// IsControl reports whether the type is one of the reserved control types
// handled by the transports themselves.
func IsControl(msgType string) bool {
	switch msgType {
	case TypePing, TypePong, TypeSubscribe, TypeUnsubscribe:
		return true
	default:
		return false
	}
}
