// Package rpcerr defines the call-scoped error taxonomy of the dispatch pipeline.
//
// Every failure a single call can hit is one of five kinds. None of them is fatal
// to the connection: the dispatcher turns each into an ERROR response and keeps
// serving. Only Message travels on the wire; the wrapped cause is for local logs.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a call failure.
type Kind int

const (
	// MalformedRequest: the envelope itself is structurally invalid.
	MalformedRequest Kind = iota + 1
	// TargetNotFound: no implementation is registered under the target name.
	TargetNotFound
	// MethodNotFound: the target has no method with that name and signature.
	MethodNotFound
	// CoercionFailed: a wire argument could not be shaped into the declared parameter.
	CoercionFailed
	// InvocationFailed: the callee returned an error or panicked.
	InvocationFailed
)

var kindNames = map[Kind]string{
	MalformedRequest: "MalformedRequest",
	TargetNotFound:   "TargetNotFound",
	MethodNotFound:   "MethodNotFound",
	CoercionFailed:   "CoercionFailed",
	InvocationFailed: "InvocationFailed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified call failure.
type Error struct {
	Kind    Kind
	Message string // short diagnostic, safe to send to the caller
	cause   error
}

// New creates an Error with a formatted message and a stack-carrying cause.
func New(kind Kind, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: errors.New(msg)}
}

// Wrap classifies cause under kind. The message is formatted from format/args;
// when format is empty the cause's own text is used.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	msg := cause.Error()
	if format != "" {
		msg = fmt.Sprintf(format, args...) + ": " + msg
	}
	return &Error{Kind: kind, Message: msg, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	return e.Message
}

// Cause returns the underlying error (github.com/pkg/errors convention).
func (e *Error) Cause() error {
	return e.cause
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Format prints the cause chain with stack traces for %+v, the short message otherwise.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.cause != nil {
		fmt.Fprintf(s, "%s: %+v", e.Kind, e.cause)
		return
	}
	fmt.Fprint(s, e.Message)
}

// KindOf reports the kind of err, or InvocationFailed when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InvocationFailed
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
