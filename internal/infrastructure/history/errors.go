package history

import "errors"

// Domain-specific errors for history operations.
var (
	// ErrDisabled is returned by Connect when history recording is
	// disabled in config.
	ErrDisabled = errors.New("history: recording disabled")

	// ErrConnectionFailed is returned when the initial connection fails.
	ErrConnectionFailed = errors.New("history: connection failed")

	// ErrNotConnected is returned for operations on a closed recorder.
	ErrNotConnected = errors.New("history: not connected")
)
