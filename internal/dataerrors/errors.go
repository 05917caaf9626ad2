// Package dataerrors defines the error taxonomy shared by the data-integrity
// core: provider, normalization, validation, and storage failures.
//
// Every error carries a message, a structured context map, and an optional
// wrapped cause. Errors serialize uniformly for logging via slog.LogValuer,
// and support errors.Is against their kind sentinel so callers can branch on
// failure class without string matching.
package dataerrors

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Kind sentinels. errors.Is(err, ErrStorage) matches any storage error.
var (
	// ErrProviderRequest indicates a malformed or rejected fetch request.
	ErrProviderRequest = errors.New("provider request error")

	// ErrProviderResponse indicates a malformed or inconsistent provider response.
	ErrProviderResponse = errors.New("provider response error")

	// ErrNormalization indicates a payload that cannot become canonical records.
	ErrNormalization = errors.New("normalization error")

	// ErrValidation indicates a non-empty, non-suppressed hard-error set.
	ErrValidation = errors.New("validation error")

	// ErrStorage indicates a filesystem or integrity violation: missing paths,
	// pre-existing write targets, hash mismatches, malformed registry lines.
	ErrStorage = errors.New("storage error")
)

// Error is the structured error type for all data-layer failures.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error

	// Message is a short, stable description of the failure.
	Message string

	// Context holds structured key/value detail (dataset id, paths, hashes).
	Context map[string]any

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New constructs an Error of the given kind.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// With adds a context key/value pair and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value

	return e
}

// Wrap records the underlying cause and returns the error for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause

	return e
}

// Error renders message, sorted context, and cause in a stable order.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			msg += fmt.Sprintf(" %s=%v", key, e.Context[key])
		}
	}

	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Is reports whether target is this error's kind sentinel.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap exposes the cause for errors.Is and errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// LogValue serializes the error uniformly for slog handlers.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", e.Kind.Error()),
		slog.String("message", e.Message),
	}

	if len(e.Context) > 0 {
		ctxAttrs := make([]any, 0, len(e.Context))
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			ctxAttrs = append(ctxAttrs, slog.Any(key, e.Context[key]))
		}
		attrs = append(attrs, slog.Group("context", ctxAttrs...))
	}

	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}

	return slog.GroupValue(attrs...)
}
