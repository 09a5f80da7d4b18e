package consumer

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned when a message body is not a valid event envelope.
	// It takes the same retry path as a handler failure.
	ErrMalformedEnvelope = errors.New("malformed event envelope")

	// ErrReconnectExhausted is returned by Orchestrator.Run once the consecutive
	// reconnect budget is spent
	ErrReconnectExhausted = errors.New("broker reconnect attempts exhausted")

	ErrAlreadyRunning = errors.New("already running")
	ErrClosed         = errors.New("orchestrator closed")
)

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
