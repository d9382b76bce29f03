// Package boardroom provides a Go client for the boardroom decision memory
// and governance analytics API.
package boardroom

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error represents an error from the boardroom API with the HTTP status code
// and the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is set from the Retry-After header on 429 responses.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("boardroom: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool { return statusIs(err, http.StatusBadRequest) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the error is a 503, e.g. an embedding
// refresh with no provider configured.
func IsUnavailable(err error) bool { return statusIs(err, http.StatusServiceUnavailable) }
