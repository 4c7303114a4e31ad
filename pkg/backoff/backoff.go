package backoff

import (
	"math/rand"
	"time"
)

// Kind selects how the delay grows with the attempt number.
type Kind uint8

const (
	// Constant always waits Base.
	Constant Kind = iota
	// Linear waits Base multiplied by the attempt number.
	Linear
	// Exponential waits Base multiplied by Factor^(attempt-1).
	Exponential
)

// Policy defines retry delay behavior shared by the transport reconnect loop
// and the request retry layer.
type Policy struct {
	// Kind selects the growth curve.
	Kind Kind
	// Base is the first-attempt delay.
	Base time.Duration
	// Max caps the pre-jitter delay. Zero means no cap for Constant/Linear
	// and a 30s cap for Exponential.
	Max time.Duration
	// Factor multiplies the delay for each exponential attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}

// DefaultReconnect is the transport reconnect policy.
func DefaultReconnect() Policy {
	return Policy{
		Kind:   Exponential,
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.3,
	}
}

// DefaultRetry is the request retry policy.
func DefaultRetry() Policy {
	return Policy{
		Kind: Linear,
		Base: time.Second,
	}
}

// Delay returns the wait before the given attempt (1-based), jitter included.
// The result is floored to a whole millisecond.
func (p Policy) Delay(attempt int) time.Duration {
	wait := p.base(attempt)
	if p.Jitter > 0 {
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		wait += time.Duration(rand.Float64() * jitter * float64(wait))
	}
	return wait - wait%time.Millisecond
}

// base returns the pre-jitter delay. Monotonically non-decreasing in attempt.
func (p Policy) base(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var wait time.Duration
	switch p.Kind {
	case Linear:
		wait = base * time.Duration(attempt)
	case Exponential:
		factor := p.Factor
		if factor <= 1 {
			factor = 2.0
		}
		max := p.Max
		if max <= 0 {
			max = 30 * time.Second
		}
		wait = base
		for i := 1; i < attempt; i++ {
			next := time.Duration(float64(wait) * factor)
			if next > max {
				wait = max
				break
			}
			wait = next
		}
	default:
		wait = base
	}

	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}
