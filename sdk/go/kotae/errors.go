// Package kotae provides a Go client for the kotae reviewer API.
package kotae

import (
	"errors"
	"fmt"
)

// Error represents an error from the kotae API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kotae: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return hasStatus(err, 403) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, 429) }

// IsConflict returns true if the error is a 409. Review and cancel return it
// when another caller already moved the run on.
func IsConflict(err error) bool { return hasStatus(err, 409) }

// IsUpstream returns true if the error is a 502, raised when Zendesk
// rejected a ticket update or fetch.
func IsUpstream(err error) bool { return hasStatus(err, 502) }
