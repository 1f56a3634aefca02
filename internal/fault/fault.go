// Package fault classifies pipeline errors by how far their damage reaches.
package fault

import (
	"errors"
	"fmt"
)

// Kind says how an error is recovered from.
type Kind int

const (
	// Unknown is the kind of any error not produced by this package.
	Unknown Kind = iota
	// Source is a fetch failure of one source. The source contributes
	// nothing this cycle and its cursor is left alone.
	Source
	// Validation is a content record missing required fields. The record is skipped.
	Validation
	// Store is a content store call that failed or was rejected.
	Store
	// Config is a configuration or credential problem. The process cannot continue.
	Config
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "source"
	case Validation:
		return "validation"
	case Store:
		return "store"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "fetch", "create post"
	Subject string // source name, record key or store object involved
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, subject string, err error) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// SourceErr tags err as a per-source fetch failure.
func SourceErr(source, op string, err error) error { return newError(Source, op, source, err) }

// ValidationErr reports a record that cannot be published.
func ValidationErr(subject, format string, args ...any) error {
	return newError(Validation, "validate", subject, fmt.Errorf(format, args...))
}

// StoreErr tags err as a content store failure.
func StoreErr(op, subject string, err error) error { return newError(Store, op, subject, err) }

// ConfigErr tags err as a fatal configuration failure.
func ConfigErr(op string, err error) error { return newError(Config, op, "", err) }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return KindOf(err) == Config
}
