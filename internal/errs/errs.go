// Package errs defines the error taxonomy shared across the data-plane
// components: every fallible operation returns a *Error carrying a Kind so
// callers can branch on failure class without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the categories the caller is
// expected to reason about and potentially retry.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindUpstream     Kind = "upstream"
	KindTimeout      Kind = "timeout"
	KindCircuitOpen  Kind = "circuit_open"
	KindUnavailable  Kind = "unavailable"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"

	// KindUpstreamTransient marks a failure worth retrying against the same
	// upstream: network errors, request timeouts, 429s, and 5xx responses.
	KindUpstreamTransient Kind = "upstream_transient"
	// KindUpstreamMalformed marks a response that parsed at the transport
	// level but violated the expected wire shape — retrying the same
	// upstream won't help; the caller should drop-and-log and move to the
	// next upstream in the chain.
	KindUpstreamMalformed Kind = "upstream_malformed"
	// KindUpstreamEmpty marks a well-formed response that simply contained
	// no rows. Not a failure: callers treat it as the authoritative (if
	// empty) answer rather than retrying or falling through.
	KindUpstreamEmpty Kind = "upstream_empty"
	// KindCacheUnavailable marks an L2 cache operation that failed for
	// reasons other than a plain miss (e.g. Redis unreachable).
	KindCacheUnavailable Kind = "cache_unavailable"
	// KindValidationFailed marks a row or batch that failed the quality
	// validator's rule set.
	KindValidationFailed Kind = "validation_failed"
	// KindDuplicateDetected marks a row the deduplication pass suppressed
	// in favor of another row in the same group.
	KindDuplicateDetected Kind = "duplicate_detected"
	// KindInternalInvariant marks a violated internal invariant (e.g. an
	// unreachable code path) rather than an ordinary operational failure.
	KindInternalInvariant Kind = "internal_invariant"
)

// Error is the concrete error type returned by this module's packages.
type Error struct {
	Kind    Kind
	Op      string
	Symbol  string
	Err     error
	Message string
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Symbol != "" {
			return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Symbol, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Symbol != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Symbol, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind, operation name, and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches op/kind context to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err, Message: err.Error()}
}

// WithSymbol annotates the error with the symbol it occurred on.
func (e *Error) WithSymbol(symbol string) *Error {
	e.Symbol = symbol
	return e
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindInternal
}
