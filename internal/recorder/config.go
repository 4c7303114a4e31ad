package recorder

import (
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
)

// Config tunes the connection-event recorder.
type Config struct {
	// QueueSize bounds the number of events buffered between the feed
	// and the database writer.
	QueueSize int
	// BatchSize is the number of rows written per insert.
	BatchSize int
	// FlushInterval forces a partial batch out after this long.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Validate rejects configurations the writer loop cannot honor.
func (c Config) Validate() error {
	if c.BatchSize > c.QueueSize {
		return errors.Errorf("recorder batch size %d exceeds queue size %d", c.BatchSize, c.QueueSize)
	}
	return nil
}
