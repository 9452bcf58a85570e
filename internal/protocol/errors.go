package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection reports a handshake or transport-level failure.
	ErrConnection = errors.New("connection error")
	// ErrProtocol reports an inbound message that cannot be classified or parsed.
	ErrProtocol = errors.New("protocol error")
	// ErrPayloadTooLarge reports an inbound message above the configured bound.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidArgument reports synthesis parameters rejected before dialing.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState reports an operation invoked out of order.
	ErrInvalidState = errors.New("invalid state")
)

// ServerError is an error report sent by the synthesis service.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

// Unwrap lets callers match server reports with errors.Is(err, ErrProtocol).
func (e *ServerError) Unwrap() error { return ErrProtocol }
