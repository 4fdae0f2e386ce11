package execute

import "errors"

var (
	// ErrCommandNotSupported indicates a command name or parameter the
	// engine cannot map onto the target device.
	ErrCommandNotSupported = errors.New("command not supported")

	// ErrProtocolError indicates a malformed directive payload.
	ErrProtocolError = errors.New("protocol error")
)
