package service

import (
	"fmt"

	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"github.com/pkg/errors"
)

// Kind classifies engine failures for callers.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation"
	KindInternal     Kind = "internal"
)

// Error is the typed failure returned by every service operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err. Untyped errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// storeError maps a storage failure onto the service error taxonomy. Anything
// other than a missing record is logged and reported as internal.
func storeError(logger Logger, op string, err error, what string, args ...interface{}) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	subject := fmt.Sprintf(what, args...)
	if errors.Is(err, storage.ErrNotFound) {
		return &Error{Kind: KindNotFound, Op: op, Message: subject + " not found", Err: err}
	}
	wrapped := errors.Wrapf(err, "%s %s", op, subject)
	logger.Errorf("Storage failure: %v", wrapped)
	return &Error{Kind: KindInternal, Op: op, Message: "storage failure", Err: wrapped}
}
