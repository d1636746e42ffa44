package jsonrpc

import "encoding/json"

// Version is the JSON-RPC protocol version carried by every envelope.
const Version = "2.0"

// Request is a JSON-RPC request. The ID is kept raw so inbound requests
// with string or numeric ids can be answered with the same id.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// Notification is a JSON-RPC request without an id. It expects no reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// nullResult is the result sent for handlers that return nothing.
var nullResult = json.RawMessage("null")
