// Package apperr defines the error taxonomy shared by the pipeline, the
// query engine and the HTTP layer.
//
// Every error that crosses a service boundary carries a Kind. Handlers map the
// kind to a status code; the ingest dispatcher maps it to a terminal record
// status; retry loops use it to decide whether another attempt is allowed.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindAdapter        Kind = "adapter"
	KindNotFound       Kind = "not_found"
	KindTransientStore Kind = "transient_store"
	KindUnauthorized   Kind = "unauthorized"
	KindInternal       Kind = "internal"
)

// Error is a classified error. Op names the operation that failed
// ("tags.mutate", "ingest.detect"), Msg is safe to show to API callers.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind lets callers classify without importing this package's types.
func (e *Error) ErrorKind() string { return string(e.Kind) }

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...))
}

func Conflict(op string, err error) *Error {
	return Wrap(KindConflict, op, "record was modified concurrently, re-read and retry", err)
}

func Adapter(op string, err error) *Error {
	return Wrap(KindAdapter, op, "recognition failed", err)
}

func TransientStore(op string, err error) *Error {
	return Wrap(KindTransientStore, op, "metadata store unavailable", err)
}

func Unauthorized(msg string) *Error {
	return New(KindUnauthorized, "", msg)
}

// KindOf returns the kind of the first classified error in err's chain,
// KindInternal when none is classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-safe message for err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Msg != "" {
		return ae.Msg
	}
	return "internal error"
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAdapter:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindTransientStore:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
