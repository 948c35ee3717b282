// Package syncerr defines the error taxonomy shared by the sync core.
//
// Callers match with errors.As for the typed errors and errors.Is for the
// sentinels; everything is wrapped with %w on the way up.
package syncerr

import (
	"errors"
	"fmt"
)

// NetworkError covers connection failures, timeouts and non-2xx responses.
// StatusCode is zero when no HTTP response was received.
type NetworkError struct {
	Op         string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsHTTP reports whether the backend answered with an error status.
func (e *NetworkError) IsHTTP() bool { return e.StatusCode != 0 }

// AuthenticationError is terminal for the current sync pass.
type AuthenticationError struct {
	Reason       string
	ShouldLogout bool
}

func (e *AuthenticationError) Error() string { return e.Reason }

// ValidationError reports a malformed request or account setting before
// anything is sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DatabaseError is a local persistence failure surfaced by the gateway.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database %s: %v", e.Op, e.Err) }

func (e *DatabaseError) Unwrap() error { return e.Err }

type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.ResourceType, e.ID)
}

var (
	ErrRefreshLimit  = &AuthenticationError{Reason: "token refresh limit reached"}
	ErrNoReadAccess  = &AuthenticationError{Reason: "No read access"}
	ErrNoWriteAccess = &AuthenticationError{Reason: "No write access"}
	ErrEmptyToken    = &AuthenticationError{Reason: "empty token received"}
)

// Database wraps err as a DatabaseError; nil stays nil.
func Database(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}

// IsRetryable reports whether err is worth retrying on a later attempt.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Retryable
	}
	return false
}

// HTTPStatus extracts the backend status code carried by err.
func HTTPStatus(err error) (int, bool) {
	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.IsHTTP() {
		return netErr.StatusCode, true
	}
	return 0, false
}
