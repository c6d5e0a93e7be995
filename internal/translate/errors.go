package translate

import (
	"errors"
	"fmt"
	"time"
)

// Class groups call failures by how the caller must react.
type Class string

const (
	ClassThrottled Class = "THROTTLED"
	ClassTransient Class = "TRANSIENT"
	ClassFatal     Class = "FATAL"
)

// CallError is returned by translators and the Caller.
type CallError struct {
	Class      Class
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *CallError) Unwrap() error { return e.Err }

func NewThrottledError(msg string, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CallError{Class: ClassThrottled, Msg: msg, RetryAfter: retryAfter}
}

func NewTransientError(msg string, err error) error {
	return &CallError{Class: ClassTransient, Msg: msg, Err: err}
}

func NewFatalError(msg string, err error) error {
	return &CallError{Class: ClassFatal, Msg: msg, Err: err}
}

func classOf(err error) (Class, bool) {
	if err == nil {
		return "", false
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return "", false
	}
	return ce.Class, true
}

func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassThrottled
}

func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

// IsFatal reports whether err must abort the enclosing job. Errors that do not
// carry a class are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	c, ok := classOf(err)
	return !ok || c == ClassFatal
}

// RetryAfter returns the provider supplied retry hint of a throttled error.
func RetryAfter(err error) (time.Duration, bool) {
	var ce *CallError
	if !errors.As(err, &ce) || ce.Class != ClassThrottled {
		return 0, false
	}
	return ce.RetryAfter, ce.RetryAfter > 0
}
