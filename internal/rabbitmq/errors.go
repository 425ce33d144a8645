package rabbitmq

import (
	"errors"
	"fmt"
)

// Error codes for broker operations.
const (
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodePublishFailed  = "PUBLISH_FAILED"
	ErrCodeAlreadyDecided = "ALREADY_DECIDED"
	ErrCodeClosed         = "CLOSED"
)

// Error categorizes broker failures so callers can decide between
// wait-and-retry and giving up.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по коду, чтобы errors.Is(err, ErrNotConnected) работал и для
// обёрнутых экземпляров.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	// ErrNotConnected is returned while the broker link is unavailable.
	// Recoverable: the caller may wait for Connected and retry.
	ErrNotConnected = &Error{Code: ErrCodeNotConnected, Message: "broker is not connected"}

	// ErrPublishFailed is returned after the publish retry budget is
	// exhausted. The caller owns the higher-level retry decision.
	ErrPublishFailed = &Error{Code: ErrCodePublishFailed, Message: "publish retries exhausted"}

	// ErrAlreadyDecided is returned on a second Ack/Nack for the same
	// delivery. Programming error: must fail loudly, never be ignored.
	ErrAlreadyDecided = &Error{Code: ErrCodeAlreadyDecided, Message: "delivery already acked or nacked"}

	// ErrClosed is returned when the connection was shut down explicitly.
	ErrClosed = &Error{Code: ErrCodeClosed, Message: "connection closed"}
)

func wrapErr(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}
