// Package apperr classifies failures of the fulfillment pipeline so the HTTP
// layer can decide status codes and the provider can decide whether to retry.
package apperr

import (
	"errors"
	"strings"
)

type Kind int

const (
	KindInternal Kind = iota
	KindTrust
	KindValidation
	KindIntegrity
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindTrust:
		return "trust"
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Trust(op, message string) *Error { return New(KindTrust, op, message) }
func Validation(op string, err error) *Error { return Wrap(KindValidation, op, err, "invalid payload") }
func Integrity(op, message string) *Error { return New(KindIntegrity, op, message) }
func NotFound(op, message string) *Error { return New(KindNotFound, op, message) }
func Transient(op string, err error) *Error { return Wrap(KindTransient, op, err, "") }

// KindOf returns the kind of the outermost *Error in err's chain. Errors that
// carry no classification are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the provider should redeliver the event.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindInternal:
		return err != nil
	}
	return false
}

// Detail returns the message meant for the webhook caller: the outermost
// classified message, without the wrapped chain.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindValidation && e.Err != nil {
			return e.Err.Error()
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return "internal error"
}
