package exception

import "errors"

// Connection lifecycle errors
var (
	ErrNotConnected      = errors.New("connection: not connected")
	ErrInvalidTransition = errors.New("connection: invalid state transition")
	ErrConnectionTimeout = errors.New("connection: attempt exceeded timeout budget")
	ErrExhaustedRetries  = errors.New("connection: retry budget exhausted")
)
