// Package chaos injects frame-level faults into a channel endpoint so the
// reconnect and retry paths can be exercised against a local server.
package chaos

import (
	"math/rand"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/channel"
)

// Config controls fault injection behavior. Zero values disable each fault.
type Config struct {
	Seed int64
	// DropRate is the probability a frame is silently discarded.
	DropRate float64
	// DuplicateRate is the probability a frame is delivered twice.
	DuplicateRate float64
	// MaxDelay bounds the random delivery delay added per frame.
	MaxDelay time.Duration
	// DisconnectRate is the probability, checked per frame, that the
	// connection is torn down mid-session.
	DisconnectRate float64
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.New("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.New("duplicateRate must be between 0 and 1")
	}
	if c.DisconnectRate < 0 || c.DisconnectRate > 1 {
		return errors.New("disconnectRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return errors.New("maxDelay must be >= 0")
	}
	return nil
}

// Engine applies chaos rules to outbound frames.
type Engine struct {
	cfg Config
	rng *rand.Rand
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Process applies drop and duplicate rules to a single frame. A nil engine
// passes the frame through untouched.
func (e *Engine) Process(msg channel.Message) []channel.Message {
	if e == nil {
		return []channel.Message{msg}
	}
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		return nil
	}
	out := []channel.Message{msg}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, msg)
	}
	return out
}

// Delay returns the random delivery delay for the next frame.
func (e *Engine) Delay() time.Duration {
	if e == nil || e.cfg.MaxDelay <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1))
}

// ShouldDisconnect reports whether the connection should be torn down now.
func (e *Engine) ShouldDisconnect() bool {
	if e == nil {
		return false
	}
	return e.cfg.DisconnectRate > 0 && e.rng.Float64() < e.cfg.DisconnectRate
}
