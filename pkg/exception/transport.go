package exception

import "errors"

// Transport errors
var (
	ErrNetwork               = errors.New("transport: no response received")
	ErrProtocol              = errors.New("transport: malformed frame")
	ErrTransportClosed       = errors.New("transport: closed")
	ErrCapabilityUnavailable = errors.New("transport: capability unavailable in current mode")
)
