package broker

import (
	"errors"

	"github.com/sony/gobreaker"
)

var (
	ErrNotConnected   = errors.New("broker not connected")
	ErrPublishNacked  = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("publish confirmation timed out")
	ErrProducerClosed = errors.New("producer is closed")
)

// IsTransient reports whether a publish error is expected to clear on a later attempt
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrPublishNacked) ||
		errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
