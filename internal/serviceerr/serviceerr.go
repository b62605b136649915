// Package serviceerr defines the error taxonomy shared by the flagging
// service and the alert broadcast server. Handlers map kinds to HTTP status
// codes; callers use the predicates instead of type assertions.
package serviceerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindPersistence Kind = "persistence"
	KindDelivery    Kind = "delivery"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Persistence wraps a storage failure with its original cause attached. No
// retries happen at this layer.
func Persistence(msg string, cause error) *Error {
	return &Error{Kind: KindPersistence, Msg: msg, Err: cause}
}

// Delivery marks a per-connection broadcast failure. It is logged and
// isolated, never escalated to fail a whole broadcast.
func Delivery(msg string, cause error) *Error {
	return &Error{Kind: KindDelivery, Msg: msg, Err: cause}
}

func isKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func IsValidation(err error) bool  { return isKind(err, KindValidation) }
func IsNotFound(err error) bool    { return isKind(err, KindNotFound) }
func IsConflict(err error) bool    { return isKind(err, KindConflict) }
func IsPersistence(err error) bool { return isKind(err, KindPersistence) }
func IsDelivery(err error) bool    { return isKind(err, KindDelivery) }

// CodeOf returns the machine code handlers put in the error envelope.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	return "internal"
}
