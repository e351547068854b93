package apperr

import (
	"errors"
	"fmt"
)

// #region kind
// Kind classifies a failure for callers that branch on it.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindUpstream    Kind = "upstream"
	KindPersistence Kind = "persistence"
)

// #endregion kind

// #region error
// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// #endregion error

// #region constructors
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s %s not found", what, id)}
}

// Upstream wraps a failed or malformed collaborator call.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

// Persistence wraps a failed store read or write.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// #endregion constructors

// #region inspection
// KindOf returns the kind of the first classified error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsUpstream(err error) bool    { return KindOf(err) == KindUpstream }
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }

// Message returns the innermost human-readable message without the op prefix chain.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Err.Error()
	}
	return err.Error()
}

// #endregion inspection
