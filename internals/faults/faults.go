package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindOutOfOrder       Kind = "out_of_order"
	KindPathViolation    Kind = "path_violation"
	KindForbidden        Kind = "forbidden"
	KindExecutionFailure Kind = "execution_failure"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict         = &Error{Kind: KindConflict, Message: "conflict"}
	ErrOutOfOrder       = &Error{Kind: KindOutOfOrder, Message: "out of order"}
	ErrPathViolation    = &Error{Kind: KindPathViolation, Message: "path violation"}
	ErrForbidden        = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrExecutionFailure = &Error{Kind: KindExecutionFailure, Message: "execution failure"}
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return New(KindConflict, format, args...)
}

func OutOfOrder(format string, args ...any) error {
	return New(KindOutOfOrder, format, args...)
}

func PathViolation(format string, args ...any) error {
	return New(KindPathViolation, format, args...)
}

func Forbidden(format string, args ...any) error {
	return New(KindForbidden, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
