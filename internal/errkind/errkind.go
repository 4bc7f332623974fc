// Package errkind classifies failures so callers can decide whether to retry,
// resume, or give up without parsing message strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	Unknown Kind = iota
	Config
	Crypto
	Protocol
	Remote
	Transport
	Storage
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Crypto:
		return "crypto"
	case Protocol:
		return "protocol"
	case Remote:
		return "remote"
	case Transport:
		return "transport"
	case Storage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
