package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the relay reacts to it.
type Kind int

const (
	// KindUnknown is reported for errors that never crossed a classified
	// boundary.
	KindUnknown Kind = iota
	KindAuthorization
	KindValidation
	KindDurability
	KindRemoteSession
	KindRemoteExecution
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindDurability:
		return "durability"
	case KindRemoteSession:
		return "remote_session"
	case KindRemoteExecution:
		return "remote_execution"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E wraps err with a kind and operation name. It returns nil for a nil err.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
