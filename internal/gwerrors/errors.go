// Package gwerrors defines the gateway's error-kind taxonomy: a small,
// closed set of categories (not ad hoc strings) that every component
// returns so callers can branch with errors.Is/errors.As instead of
// string matching.
package gwerrors

import "fmt"

// Kind classifies an error into one of the categories the gateway's
// public surfaces are documented to produce.
type Kind string

const (
	NodeAlreadyRegistered Kind = "node_already_registered"
	NodeNotFound          Kind = "node_not_found"
	DelegationRejected    Kind = "delegation_rejected"
	DelegationTimeout     Kind = "delegation_timeout"
	DelegationExhausted   Kind = "delegation_exhausted"
	StoreUnavailable      Kind = "store_unavailable"
	ProtocolViolation     Kind = "protocol_violation"
)

// String returns the kind's wire/log name.
func (k Kind) String() string { return string(k) }

// Error wraps an underlying cause with a Kind and the operation that
// produced it, implementing Unwrap so errors.Is/errors.As see through it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error around an existing cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind, looking through wrapping.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			if ge.Kind == kind {
				return true
			}
			err = ge.Err
			continue
		}
		break
	}
	return false
}
