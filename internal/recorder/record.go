package recorder

import (
	"encoding/json"
	"time"

	"main/internal/bus"
)

// ConnectionEvent is one persisted row of the connection history.
type ConnectionEvent struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Type      string    `gorm:"size:64;index"`
	Payload   string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (ConnectionEvent) TableName() string { return "connection_events" }

// fromBus converts a feed event into a row. Payloads that cannot be
// marshaled are stored empty rather than dropped.
func fromBus(e bus.Event) ConnectionEvent {
	var payload string
	if e.Payload != nil {
		if raw, err := json.Marshal(e.Payload); err == nil {
			payload = string(raw)
		}
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return ConnectionEvent{
		Type:      e.Type,
		Payload:   payload,
		OccurredAt: at,
	}
}
