// Package aierr defines the typed failure categories raised by AI backends.
// The category is fixed where the error originates (status code, SDK error
// type, safety verdict) and is never recovered from message text.
package aierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Kind is the semantic category of a backend failure.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindServer         Kind = "server"
	KindNetwork        Kind = "network"
	KindValidation     Kind = "validation"
	KindContentSafety  Kind = "content_safety"
	KindBadRequest     Kind = "bad_request"
	KindUnknown        Kind = "unknown"
)

// Error is a categorized backend failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without an underlying cause.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap categorizes err. Cancellation is returned untouched.
func Wrap(kind Kind, provider string, err error) error {
	if err == nil {
		return nil
	}
	if IsCancellation(err) {
		return err
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// FromStatus maps an HTTP status code to a Kind.
func FromStatus(provider string, status int, message string, err error) *Error {
	kind := KindUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status >= 500:
		kind = KindServer
	case status >= 400:
		kind = KindBadRequest
	}
	return &Error{Kind: kind, Provider: provider, StatusCode: status, Message: message, Err: err}
}

// Network wraps a transport failure with remediation text naming the
// endpoint that could not be reached.
func Network(provider, baseURL string, err error) error {
	if err == nil || IsCancellation(err) {
		return err
	}
	target := baseURL
	if target == "" {
		target = "the provider endpoint"
	}
	msg := fmt.Sprintf(
		"cannot reach %s: %v. Check that the server is running and reachable, that the base URL is correct, and that no proxy or CORS policy blocks the request",
		target, err)
	return &Error{Kind: KindNetwork, Provider: provider, Message: msg, Err: err}
}

// IsTransport reports whether err came from the network layer rather than
// from a server response.
func IsTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsCancellation reports whether err means the caller gave up.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the category of err. Uncategorized transport errors are
// KindNetwork and everything else is KindUnknown. Cancellation has no kind.
func KindOf(err error) Kind {
	if err == nil || IsCancellation(err) {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsTransport(err) {
		return KindNetwork
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether another attempt against the same backend may
// succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindServer, KindNetwork, KindUnknown:
		return true
	}
	return false
}

// FailoverEligible reports whether a backup provider should be tried.
func FailoverEligible(err error) bool {
	return err != nil && !IsCancellation(err)
}

// UserMessage renders err for display without internal wrapping noise.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if _, joined := err.(interface{ Unwrap() []error }); joined {
		return err.Error()
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Kind {
	case KindAuthentication:
		return "The API key was rejected or is missing. Check the provider credentials. " + e.Error()
	case KindRateLimit:
		return "The provider is rate limiting requests. Try again later or configure a backup provider. " + e.Error()
	case KindContentSafety:
		return "The provider refused this image because of its content policy. " + e.Error()
	default:
		return err.Error()
	}
}
