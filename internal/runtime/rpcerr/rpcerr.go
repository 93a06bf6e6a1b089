// Package rpcerr holds the protocol error catalogue shared by clients and servers.
// Codes are wire constants; message text is advisory.
package rpcerr

import (
	"errors"
	"fmt"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const genericMessage = "Server error"

var messages = map[int]string{
	CodeParseError:     "Parse error",
	CodeInvalidRequest: "Invalid Request",
	CodeMethodNotFound: "Method not found",
	CodeInvalidParams:  "Invalid params",
	CodeInternalError:  "Internal error",
}

// Message returns the catalogue text for code, or "Server error" for unknown codes.
func Message(code int) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return genericMessage
}

// Known reports whether code is one of the catalogued protocol codes.
func Known(code int) bool {
	_, ok := messages[code]
	return ok
}

// Error is the error object carried inside a result envelope.
type Error struct {
	Code    int    `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

// New builds an Error whose message is derived from the catalogue.
func New(code int) *Error {
	return &Error{Code: code, Message: Message(code)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is matches on code only so callers can write errors.Is(err, rpcerr.New(rpcerr.CodeMethodNotFound)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the protocol code from err. The second result is false when err
// does not wrap an *Error.
func CodeOf(err error) (int, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr != nil {
		return rpcErr.Code, true
	}
	return 0, false
}

var (
	ErrParse          = New(CodeParseError)
	ErrInvalidRequest = New(CodeInvalidRequest)
	ErrMethodNotFound = New(CodeMethodNotFound)
	ErrInvalidParams  = New(CodeInvalidParams)
	ErrInternal       = New(CodeInternalError)
)
