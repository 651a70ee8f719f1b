package types

import "fmt"

type ErrorCode string

const (
	ErrorCodeNetwork        ErrorCode = "NETWORK_ERROR"
	ErrorCodeInvalidThread  ErrorCode = "INVALID_THREAD"
	ErrorCodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrorCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	ErrorCodeServer         ErrorCode = "SERVER_ERROR"
	ErrorCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorCodeSSEConnection  ErrorCode = "SSE_CONNECTION_ERROR"
)

// SessionError is the one error shape surfaced to consumers of the SDK.
type SessionError struct {
	Message  string
	Code     ErrorCode
	Status   int
	ThreadID string
	Cause    error
}

func (e *SessionError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether retrying the failed call could help.
// Authentication, validation and unknown-thread failures are final.
func (e *SessionError) Retryable() bool {
	switch e.Code {
	case ErrorCodeAuthentication, ErrorCodeValidation, ErrorCodeInvalidThread:
		return false
	default:
		return true
	}
}
