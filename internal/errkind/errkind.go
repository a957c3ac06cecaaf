// Package errkind defines the error taxonomy shared by every component.
// Each failure surfaced to a caller carries a Kind and a human-readable
// message with any stored credential scrubbed out.
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers and for HTTP status mapping.
type Kind string

const (
	Validation Kind = "validation" // malformed input, bad URL, bad PR payload
	Auth       Kind = "auth"       // credential rejected (401)
	Permission Kind = "permission" // credential lacks required scope (403)
	RateLimit  Kind = "rate_limit" // upstream throttling (403 with rate-limit markers)
	NotFound   Kind = "not_found"  // missing repo/issue/session (404)
	Conflict   Kind = "conflict"   // failed precondition, e.g. unapproved execute
	Network    Kind = "network"    // transport failure or timeout
	Upstream   Kind = "upstream"   // unexpected non-2xx from an external service
	Internal   Kind = "internal"   // everything else
)

// Error is a classified failure. Message is safe to return to callers.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and caller-safe message to an underlying error.
// The underlying error is kept for errors.Is/As chains but its text is
// never part of Message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the Kind from an error chain; unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Redacted replaces scrubbed credentials in error messages.
const Redacted = "[REDACTED]"

// Scrub removes every occurrence of secret from s. Empty secrets are a
// no-op so callers can pass whatever credential they hold unconditionally.
func Scrub(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, Redacted)
}

// ScrubErr rebuilds a classified error with the secret removed from its
// message. Unclassified errors become Internal with a scrubbed message.
func ScrubErr(err error, secret string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Message: Scrub(e.Message, secret), err: e.err}
	}
	return &Error{Kind: Internal, Message: Scrub(err.Error(), secret), err: err}
}
