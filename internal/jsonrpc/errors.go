package jsonrpc

import (
	"errors"
	"fmt"
)

// Transport and correlation errors.
var (
	// ErrClosed indicates the connection has been closed or the stream ended.
	ErrClosed = errors.New("jsonrpc: connection closed")

	// ErrTimeout indicates a request did not receive a response in time.
	ErrTimeout = errors.New("jsonrpc: request timed out")

	// ErrInvalidHeader indicates a malformed or missing envelope header.
	ErrInvalidHeader = errors.New("jsonrpc: invalid header")

	// ErrTruncated indicates the stream ended in the middle of an envelope.
	ErrTruncated = errors.New("jsonrpc: truncated message")

	// ErrMessageTooLarge indicates an envelope exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("jsonrpc: message too large")

	// ErrInvalidJSON indicates an envelope body is not valid JSON.
	ErrInvalidJSON = errors.New("jsonrpc: invalid json body")
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Host-specific error codes, in the JSON-RPC server error range.
const (
	CodeGeneral            = -32000
	CodeNotInitialized     = -32001
	CodeAlreadyInitialized = -32002
	CodeNoMessage          = -32003
	CodeInvalidMessage     = -32004
	CodeInvalidPath        = -32005
	CodePathNotFound       = -32006
	CodeInvalidURL         = -32007
	CodeWindowError        = -32008
	CodeCommandNotFound    = -32009
	CodeCommandTimeout     = -32010
	CodeValidationError    = -32011
	CodeDialogError        = -32012
)

// Error is a JSON-RPC error object. It is returned by Call when the peer
// replies with an error, and may be returned by a Handler to produce an
// error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and formatted message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// MethodNotFound returns the standard error for an unknown method.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method not found: %s", method)
}

// InvalidParams returns the standard error for undecodable or invalid params.
func InvalidParams(format string, args ...any) *Error {
	return NewError(CodeInvalidParams, format, args...)
}

// InternalError returns the standard internal error.
func InternalError(format string, args ...any) *Error {
	return NewError(CodeInternalError, format, args...)
}

// AsError converts err into an *Error. Errors that are not already
// *Error become internal errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return InternalError("%s", err.Error())
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code int) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
