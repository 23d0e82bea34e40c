// Package apierr carries the error-kind taxonomy from SPEC_FULL.md §7 so
// transports can decide status codes without string-matching error text.
package apierr

import "errors"

type Kind int

const (
	KindInvalidRequest Kind = iota
	KindNotFound
	KindStoreUnavailable
	KindConflict
	KindProbeFailure
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func InvalidRequest(msg string) *Error       { return New(KindInvalidRequest, msg) }
func NotFound(msg string) *Error             { return New(KindNotFound, msg) }
func StoreUnavailable(err error) *Error      { return Wrap(KindStoreUnavailable, "store unavailable", err) }
func Conflict(msg string) *Error             { return New(KindConflict, msg) }
func ProbeFailure(msg string) *Error         { return New(KindProbeFailure, msg) }

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
