// Package apperr defines the error taxonomy shared by the clients and the
// session controller. Client boundaries wrap backend failures into an *Error
// carrying a Kind; the controller and the HTTP surface route on that Kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by where it surfaces to the user.
type Kind int

const (
	// KindConfiguration covers missing or placeholder credentials. Fatal for
	// the whole session.
	KindConfiguration Kind = iota + 1
	// KindGeneration covers empty or failed model responses. Terminal for the turn.
	KindGeneration
	// KindAudio covers speech synthesis failures after the text succeeded.
	KindAudio
	// KindInput covers dictation and prompt input problems.
	KindInput
)

// String returns a stable identifier used on the wire.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindGeneration:
		return "generation"
	case KindAudio:
		return "audio"
	case KindInput:
		return "input"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Message is the human readable text; Err, when
// set, is the underlying cause and its text is appended to Message.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind with a stable message prefix.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus records the backend status code that produced the failure.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// StatusOf returns the backend status recorded on err, or 0.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
