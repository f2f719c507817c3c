package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure modes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("backend unreachable")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func newAPIError(status int, message string) *APIError {
	e := &APIError{StatusCode: status, Message: message}
	switch status {
	case http.StatusUnauthorized:
		e.Err = ErrUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		e.Err = ErrUnavailable
	}
	return e
}

// IsTransient reports whether err means the backend could not be reached
// and the request may succeed later unchanged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
