// Package txerr defines the error kinds the bridge's components agree on:
// Transport, Parse, Schema, and Consistency. Callers branch on kind with Is
// (or errors.As to *Error) instead of matching error strings.
package txerr

import "errors"

// Kind classifies a failure the way the pipeline controller needs to react
// to it.
type Kind int

const (
	// KindTransport covers network, TLS, and non-2xx failures. Retriable on
	// the next cycle.
	KindTransport Kind = iota
	// KindParse covers malformed JSON/XML or a missing required attribute.
	KindParse
	// KindSchema covers an unrecognized value in a position the protocol
	// treats as closed (e.g. an unknown transaction status).
	KindSchema
	// KindConsistency covers a bulk item reported as failed by the search
	// engine.
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindSchema:
		return "schema"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on it.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(k Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: k, cause: cause}
}

// Transport wraps cause as a KindTransport error.
func Transport(cause error) error { return newError(KindTransport, cause) }

// Parse wraps cause as a KindParse error.
func Parse(cause error) error { return newError(KindParse, cause) }

// Schema wraps cause as a KindSchema error.
func Schema(cause error) error { return newError(KindSchema, cause) }

// Consistency wraps cause as a KindConsistency error.
func Consistency(cause error) error { return newError(KindConsistency, cause) }

// Is reports whether the first *Error found in err's chain carries the given
// Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
