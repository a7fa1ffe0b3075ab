// Package llm wraps the text-generation model service behind a single
// prompt-in, text-out interface. Stage packages build prompts and parse
// replies; this package owns transport, throttling and retry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Completer sends one prompt to a model and returns the raw reply text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ErrMalformed marks a reply that arrived but could not be parsed. It is
// transient: the same prompt may well produce a usable reply next time.
var ErrMalformed = errors.New("llm: malformed response")

// ErrNotConfigured is returned by Noop. It is not transient.
var ErrNotConfigured = errors.New("llm: no model service configured")

// StatusError is a non-200 reply from the model service.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Malformed wraps a parse failure so IsTransient treats it as retryable.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors, timeouts and malformed output. Authentication failures, bad
// requests and a missing model are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode == http.StatusRequestTimeout ||
			se.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// Noop is the Completer used when no model service is configured. Every
// call fails permanently, so each run is routed to a human.
type Noop struct{}

func (Noop) Complete(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

// Truncate cuts s to at most n bytes without splitting a rune and appends
// marker when anything was cut.
func Truncate(s string, n int, marker string) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + marker
}
