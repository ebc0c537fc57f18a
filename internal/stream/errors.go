package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxReconnect is reported once when the reconnect budget is exhausted.
	ErrMaxReconnect = errors.New("Max reconnection attempts reached") //nolint:staticcheck // message is part of the contract
	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("stream: already connected")
	// ErrNotConnected is returned when a message cannot be sent.
	ErrNotConnected = errors.New("stream: not connected")
)

// ValidationError 表示 Connect 参数无效。
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stream: %s is required", e.Field)
}

// NetworkError wraps transport failures.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("stream: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is an unparsable frame or an error frame sent by the feed.
type ProtocolError struct {
	Msg   string
	Frame string
}

func (e *ProtocolError) Error() string {
	if e.Frame == "" {
		return "stream: " + e.Msg
	}
	return fmt.Sprintf("stream: %s: %s", e.Msg, e.Frame)
}
