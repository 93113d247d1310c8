package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransport    = errors.New("backend unreachable")
	ErrUnauthorized = errors.New("backend rejected credentials")
	ErrNotFound     = errors.New("backend resource not found")
	ErrInvalid      = errors.New("backend rejected request")
)

// APIError is a non-2xx answer from the REST backend. It unwraps to one of
// the sentinel errors above, so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error {
	return classify(e.Status)
}

func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrTransport
	case status >= 400:
		return ErrInvalid
	}
	return nil
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
