package rpc

import "encoding/json"

// Params is the request parameter mapping.
type Params map[string]any

// Request models one RPC command. The id is an opaque correlation token and
// is echoed back verbatim, so it stays raw JSON end to end.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params Params          `json:"params,omitempty"`
}

// Error carries a human-readable failure message.
type Error struct {
	Message string `json:"message"`
}

// Response models one RPC reply. Exactly one of Result/Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ErrorResponse builds the failure envelope for id.
func ErrorResponse(id json.RawMessage, message string) *Response {
	return &Response{ID: id, Error: &Error{Message: message}}
}
