// Package jsonrpc defines the JSON-RPC 2.0 envelopes spoken on the A2A wire.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// A2A error codes, allocated from the implementation-defined server range.
const (
	CodeNotAuthenticated   = -32000
	CodeRateLimited        = -32001
	CodeForbidden          = -32002
	CodeNotFound           = -32003
	CodeVerificationFailed = -32004
	CodeInvalidHandshake   = -32005
	CodeStaleTimestamp     = -32006
	CodeSignatureMismatch  = -32007
	CodeInsufficientFunds  = -32008
)

// Request is an inbound (or pushed) envelope. ID is kept raw so the exact
// token the peer sent is echoed back; a nil or "null" ID is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return IsNullID(r.ID)
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the wire error object. It also satisfies the error interface so
// handlers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// NullID is the id used when the request id cannot be trusted.
var NullID = json.RawMessage("null")

// IsNullID reports whether id is absent or the JSON literal null.
func IsNullID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) == 0 || bytes.Equal(trimmed, NullID)
}

// ValidID reports whether id is a string, a number, or null.
func ValidID(id json.RawMessage) bool {
	if IsNullID(id) {
		return true
	}
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64:
		return true
	}
	return false
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: Version, Result: result, ID: normalizeID(id)}
}

// NewError builds an error response for id.
func NewError(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: normalizeID(id)}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if IsNullID(id) {
		return NullID
	}
	return id
}

// NewNotification builds a server-pushed envelope with no id.
func NewNotification(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return json.Marshal(&Request{JSONRPC: Version, Method: method, Params: raw, ID: NullID})
}

func ParseError() *Error {
	return &Error{Code: CodeParseError, Message: "Parse error"}
}

func InvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "Invalid Request", Data: detail}
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
}

func InvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: detail}
}

func InternalError(detail string) *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error", Data: detail}
}

func NotAuthenticated() *Error {
	return &Error{Code: CodeNotAuthenticated, Message: "Not authenticated: complete the handshake first"}
}

func RateLimited() *Error {
	return &Error{Code: CodeRateLimited, Message: "Rate limit exceeded"}
}

func Forbidden(detail string) *Error {
	return &Error{Code: CodeForbidden, Message: "Forbidden", Data: detail}
}

func NotFound(detail string) *Error {
	return &Error{Code: CodeNotFound, Message: "Not found", Data: detail}
}

func VerificationFailed(detail string) *Error {
	return &Error{Code: CodeVerificationFailed, Message: "Verification failed", Data: detail}
}

func InvalidHandshake(detail string) *Error {
	return &Error{Code: CodeInvalidHandshake, Message: "Invalid handshake", Data: detail}
}

func StaleTimestamp(detail string) *Error {
	return &Error{Code: CodeStaleTimestamp, Message: "Stale timestamp", Data: detail}
}

func SignatureMismatch(detail string) *Error {
	return &Error{Code: CodeSignatureMismatch, Message: "Signature mismatch", Data: detail}
}

func InsufficientFunds(detail string) *Error {
	return &Error{Code: CodeInsufficientFunds, Message: "Insufficient funds", Data: detail}
}
