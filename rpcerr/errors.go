// Package rpcerr holds the tagged failure type shared by the RPC server, the
// registry client and the lifecycle supervisor.
package rpcerr

import (
	"errors"
	"fmt"

	"fleet-rpc/message"
)

const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeRejected    = "rejected"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

// Error is a failure tagged with one of the Code* constants.
type Error struct {
	Code    string
	Message string
	Inner   error
}

// Error prints the code once: when Inner is itself tagged, its code is the one
// shown.
func (e *Error) Error() string {
	var tagged *Error
	if e.Inner != nil && errors.As(e.Inner, &tagged) {
		return fmt.Sprintf("%s: %v", e.Message, e.Inner)
	}
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Inner }

func New(code, message string, inner error) *Error {
	return &Error{Code: code, Message: message, Inner: inner}
}

func NewBadRequest(message string, inner error) *Error {
	return New(CodeBadRequest, message, inner)
}

func NewNotFound(message string, inner error) *Error {
	return New(CodeNotFound, message, inner)
}

func NewRejected(message string, inner error) *Error {
	return New(CodeRejected, message, inner)
}

func NewUnavailable(message string, inner error) *Error {
	return New(CodeUnavailable, message, inner)
}

func NewTimeout(message string, inner error) *Error {
	return New(CodeTimeout, message, inner)
}

func NewRateLimited(message string, inner error) *Error {
	return New(CodeRateLimited, message, inner)
}

func NewInternal(message string, inner error) *Error {
	return New(CodeInternal, message, inner)
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsBadRequest(err error) bool  { return CodeOf(err) == CodeBadRequest }
func IsNotFound(err error) bool    { return CodeOf(err) == CodeNotFound }
func IsRejected(err error) bool    { return CodeOf(err) == CodeRejected }
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }
func IsTimeout(err error) bool     { return CodeOf(err) == CodeTimeout }
func IsInternal(err error) bool    { return CodeOf(err) == CodeInternal }

// ToMessage builds the failure envelope sent back to a caller. Untagged errors
// are reported as internal so handler details do not leak onto the wire.
func ToMessage(method string, err error) *message.Message {
	var e *Error
	if errors.As(err, &e) {
		return &message.Message{Method: method, Code: e.Code, Error: e.Message}
	}
	return &message.Message{Method: method, Code: CodeInternal, Error: "internal error"}
}

// FromMessage rebuilds the failure carried by m, or returns nil if m succeeded.
// A reply with an error but no code comes from a peer that does not tag its
// failures; it is treated as a rejection.
func FromMessage(m *message.Message) error {
	if !m.Failed() {
		return nil
	}
	code := m.Code
	if code == "" {
		code = CodeRejected
	}
	return New(code, m.Error, nil)
}
