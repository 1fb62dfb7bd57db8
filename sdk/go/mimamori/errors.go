// Package mimamori provides a Go client for the Mimamori monitoring and agent
// coordination API.
package mimamori

import (
	"errors"
	"fmt"
)

// Error represents an error from the Mimamori API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Details carries the raw error details, when the server sent any. A
	// rejected pattern reports its validation result here.
	Details []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("mimamori: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsConflict returns true if the error is a 409. AddPattern returns it when
// the pattern contradicts stored patterns of its type.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsUnavailable returns true if the error is a 503: the server is shutting
// down or reports itself unhealthy.
func IsUnavailable(err error) bool { return statusIs(err, 503) }
