package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkFailure matches transport failures that are not timeouts.
	ErrNetworkFailure = errors.New("network failure")
	// ErrTimeout matches transport failures caused by a deadline.
	ErrTimeout = errors.New("timeout")
)

// NetworkError reports a call that never produced an HTTP response.
type NetworkError struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	kind := ErrNetworkFailure
	if e.Timeout {
		kind = ErrTimeout
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Method, e.URL, kind, e.Err)
}

// Is lets errors.Is match ErrTimeout or ErrNetworkFailure by kind.
func (e *NetworkError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Timeout
	case ErrNetworkFailure:
		return !e.Timeout
	}
	return false
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusError reports a response with a status code >= 400.
// Response holds the full upstream response so callers can pass it on.
type StatusError struct {
	StatusCode int
	Response   *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsUnauthorized reports whether err carries an HTTP 401.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// StatusCode returns the HTTP status carried by err, or 0 if there is none.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
