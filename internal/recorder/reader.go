package recorder

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// Reader queries the persisted connection history.
type Reader struct {
	db *gorm.DB
}

// NewReader creates a reader over the connection_events table.
func NewReader(db *gorm.DB) (*Reader, error) {
	if db == nil {
		return nil, errors.New("reader requires a database handle")
	}
	return &Reader{db: db}, nil
}

// Recent returns the latest events, newest first.
func (r *Reader) Recent(ctx context.Context, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ConnectionEvent
	err := r.db.WithContext(ctx).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query recent connection events")
	}
	return rows, nil
}

// ByType returns events of one type inside a time window, oldest first.
func (r *Reader) ByType(ctx context.Context, eventType string, since time.Time) ([]ConnectionEvent, error) {
	var rows []ConnectionEvent
	err := r.db.WithContext(ctx).
		Where("type = ? AND occurred_at >= ?", eventType, since).
		Order("occurred_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query connection events").With("type", eventType)
	}
	return rows, nil
}
