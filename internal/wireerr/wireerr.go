// Package wireerr implements the wire-visible error taxonomy of the POT
// broker proxy. Handlers return ordinary Go errors internally; at the
// boundary (reqserver, reqrelay) those errors are translated to the
// {type, text, debug} triple clients see in a REP's "error" field.
package wireerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is one of the canonical error symbols. These are part of the wire
// contract and must not be renamed.
type Type string

const (
	KeyError     Type = "KeyError"
	ValueError   Type = "ValueError"
	TypeError    Type = "TypeError"
	RuntimeError Type = "RuntimeError"
)

// Error is both a Go error and the wire-serializable error descriptor
// that rides in a response's "error" field.
type Error struct {
	ErrType Type            `json:"type"`
	Text    string          `json:"text"`
	Debug   json.RawMessage `json:"debug,omitempty"`
}

func (e *Error) Error() string {
	return string(e.ErrType) + ": " + e.Text
}

func New(t Type, text string) *Error {
	return &Error{ErrType: t, Text: text}
}

// KeyErrorf builds a KeyError with a formatted message.
func KeyErrorf(format string, args ...interface{}) *Error {
	return &Error{ErrType: KeyError, Text: fmt.Sprintf(format, args...)}
}

func ValueErrorf(format string, args ...interface{}) *Error {
	return &Error{ErrType: ValueError, Text: fmt.Sprintf(format, args...)}
}

func TypeErrorf(format string, args ...interface{}) *Error {
	return &Error{ErrType: TypeError, Text: fmt.Sprintf(format, args...)}
}

func RuntimeErrorf(format string, args ...interface{}) *Error {
	return &Error{ErrType: RuntimeError, Text: fmt.Sprintf(format, args...)}
}

// As reports whether err is (or wraps) a *Error, handing back the typed
// value the way callers of the standard errors package expect.
func As(err error) (*Error, bool) {
	var we *Error
	ok := errors.As(err, &we)
	return we, ok
}
