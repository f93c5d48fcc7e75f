package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("service unavailable")
	ErrTransport      = errors.New("transport error")
	ErrBadRequest     = errors.New("bad request")

	// ErrConnectorClosed is returned by calls made after Close.
	ErrConnectorClosed = errors.New("connector closed")

	// ErrConnectorNotFound is matched by ConnectorNotFoundError.
	ErrConnectorNotFound = errors.New("connector not found")
)

// APIError is a classified venue failure. Kind is one of the sentinels above.
type APIError struct {
	Exchange   string
	StatusCode int
	Code       string
	Message    string
	Kind       error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v (status=%d code=%s): %s", e.Exchange, e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %v (status=%d): %s", e.Exchange, e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// HTTPStatus returns the HTTP-like status the failure maps to.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Classify builds an APIError, deriving Kind from the HTTP status.
func Classify(exchange string, status int, code, message string) *APIError {
	return &APIError{
		Exchange:   exchange,
		StatusCode: status,
		Code:       code,
		Message:    message,
		Kind:       kindFor(status),
	}
}

func kindFor(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests || status == 418:
		return ErrRateLimited
	case status == http.StatusServiceUnavailable:
		return ErrUnavailable
	case status >= 500:
		return ErrTransport
	case status >= 400:
		return ErrBadRequest
	default:
		return ErrTransport
	}
}

// StatusOf extracts an HTTP-like status from err. Sentinel kinds without a
// carried status map to their canonical code. It returns
// model.NoStatusCode (-1) when nothing can be derived.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return sc.HTTPStatus()
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	}
	return -1
}

// ConnectorNotFoundError is returned by the factory for an unknown exchange identity.
type ConnectorNotFoundError struct {
	Exchange string
}

func (e *ConnectorNotFoundError) Error() string {
	return fmt.Sprintf("connector not found for exchange %q", e.Exchange)
}

func (e *ConnectorNotFoundError) Is(target error) bool { return target == ErrConnectorNotFound }
