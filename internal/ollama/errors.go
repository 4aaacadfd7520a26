package ollama

import (
	"errors"
	"fmt"
)

// ErrorType classifies client failures so callers can branch without
// string matching.
type ErrorType string

const (
	ErrTypeNotRunning      ErrorType = "not_running"
	ErrTypeTimeout         ErrorType = "timeout"
	ErrTypeModelNotFound   ErrorType = "model_not_found"
	ErrTypeConnection      ErrorType = "connection"
	ErrTypeInvalidResponse ErrorType = "invalid_response"
	ErrTypeRequestFailed   ErrorType = "request_failed"
)

// Sentinel errors for errors.Is checks.
var (
	ErrNotRunning     = errors.New("ollama is not running")
	ErrTimeout        = errors.New("ollama request timed out")
	ErrModelNotFound  = errors.New("model not found")
	ErrPullInProgress = errors.New("pull already in progress")
)

// ClientError is the error type returned by all Client operations.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	switch e.Type {
	case ErrTypeNotRunning, ErrTypeConnection:
		return ErrNotRunning
	case ErrTypeTimeout:
		return ErrTimeout
	case ErrTypeModelNotFound:
		return ErrModelNotFound
	}
	return e.Cause
}

func newError(t ErrorType, msg string, cause error) *ClientError {
	return &ClientError{Type: t, Message: msg, Cause: cause}
}

// IsNotRunning reports whether err means Ollama is unreachable.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsModelNotFound reports whether err means the named model is absent.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
