package authfetch

import (
	"errors"
	"fmt"
)

// ErrSessionExpired indicates the session cannot be restored and the user has
// to log in again.
var ErrSessionExpired = errors.New("session expired")

// SessionExpiredError is returned when a 401 could not be recovered by a
// refresh exchange.
type SessionExpiredError struct {
	Reason string
	Cause  error
}

func (e *SessionExpiredError) Error() string {
	msg := "session expired"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Cause
}

// Is reports ErrSessionExpired as a match so callers don't need errors.As.
func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

// TransportError indicates the underlying network call failed outright.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResponseError is returned for non-401 non-2xx responses when the client runs
// with the ClearAndThrow policy.
type ResponseError struct {
	StatusCode int
	Body       []byte
}

func (e *ResponseError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, string(e.Body))
}

// StoreError indicates a credential store operation failed.
type StoreError struct {
	Op  string // "get", "set", "remove"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s credential %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
