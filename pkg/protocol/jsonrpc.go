// Package protocol defines the JSON-RPC 2.0 framing subset the relay needs.
//
// The relay is content-agnostic: it never interprets MCP methods or results.
// It only has to recognize message boundaries, classify frames, and extract
// request identifiers for correlation diagnostics and keepalive filtering.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only supported JSON-RPC version.
const JSONRPCVersion = "2.0"

// ErrorCode represents a JSON-RPC 2.0 error code.
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification.
const (
	ParseError     ErrorCode = -32700
	InvalidRequest ErrorCode = -32600
	InternalError  ErrorCode = -32603
)

// JSONRPCMessage carries the version tag common to all frames.
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Marshal renders the request as a single JSON frame.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Marshal renders the response as a single JSON frame.
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Notification represents a JSON-RPC 2.0 notification (a request without id).
type Notification struct {
	JSONRPCMessage
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response. The relay uses
// it to build best-effort error envelopes toward the overlay peer.
func NewErrorResponse(id interface{}, code ErrorCode, message string, data interface{}) (*Response, error) {
	var dataJSON interface{}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		dataJSON = json.RawMessage(dataBytes)
	}

	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    dataJSON,
		},
	}, nil
}

// frameProbe is the minimal shape needed to classify a frame without
// decoding its payload.
type frameProbe struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// IsRequest reports whether data is a JSON-RPC request (method and id).
func IsRequest(data []byte) bool {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	return p.Method != nil && len(p.ID) > 0 && string(p.ID) != "null"
}

// IsResponse reports whether data is a JSON-RPC response (result or error,
// no method).
func IsResponse(data []byte) bool {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	return p.Method == nil && (len(p.Result) > 0 || len(p.Error) > 0)
}

// IsNotification reports whether data is a JSON-RPC notification (method, no
// id).
func IsNotification(data []byte) bool {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	return p.Method != nil && (len(p.ID) == 0 || string(p.ID) == "null")
}

// Validate checks that data is a well-formed JSON-RPC 2.0 frame of some kind.
// A failure means the payload cannot be translated and must be dropped by the
// caller; it is not a reason to tear the session down.
func Validate(data []byte) error {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid JSON frame: %w", err)
	}
	if p.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", p.JSONRPC)
	}
	if p.Method == nil && len(p.Result) == 0 && len(p.Error) == 0 {
		return fmt.Errorf("frame is neither request, response nor notification")
	}
	return nil
}

// RequestID extracts the id of a request or response frame. The returned id
// is the raw JSON token rendered as a stable string key ("1", `"abc"`), or
// "" when the frame carries no id. Used for correlation diagnostics and
// keepalive filtering only; the relay never reorders on it.
func RequestID(data []byte) string {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	if len(p.ID) == 0 || string(p.ID) == "null" {
		return ""
	}
	return string(p.ID)
}

// IsEmptyResult reports whether data is a response with an empty-object
// result, the shape a ping reply has. Used together with RequestID to filter
// relay-issued keepalive replies out of the forwarded stream.
func IsEmptyResult(data []byte) bool {
	var p frameProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	if p.Method != nil || len(p.Error) > 0 || len(p.Result) == 0 {
		return false
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(p.Result, &result); err != nil {
		return false
	}
	return len(result) == 0
}
