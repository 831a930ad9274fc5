package daktela

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers timeouts, connection failures and non-2xx answers.
	ErrNetwork = errors.New("network error")

	// ErrAuth is a 401 or 403 answer.
	ErrAuth = errors.New("authentication rejected")

	// ErrMalformedResponse is a body that does not decode as expected.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInvalidFilter rejects a search before any request is made.
	ErrInvalidFilter = errors.New("invalid filter")
)

// ErrorKind classifies an APIError.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// APIError is returned by every client call that reached the transport.
type APIError struct {
	Op         string    // e.g. "search_tickets", "fetch_activities"
	Kind       ErrorKind
	StatusCode int       // 0 when no response was received
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed: %s error (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrMalformedResponse:
		return e.Kind == KindMalformed
	}
	return false
}
