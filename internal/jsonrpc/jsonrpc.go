// Package jsonrpc implements the subset of JSON-RPC 2.0 framing shared by the
// client-facing MCP exchange and the backend CMS client: single messages only,
// no batching.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version emitted and required on every message.
const Version = "2.0"

// Message is a raw, encoded JSON-RPC message.
type Message []byte

// Request is a JSON-RPC request (ID set) or notification (ID absent).
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response is a JSON-RPC response; exactly one of Result or Error is set.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Error is the JSON-RPC error object. Data carries a structured payload so
// clients can distinguish the gateway's error taxonomy programmatically.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request, marshaling params. A nil id produces a
// notification.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	req := &Request{Version: Version, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %q: %w", method, err)
		}
		req.Params = b
	}
	return req, nil
}

// NewResultResponse builds a successful response, marshaling the result value.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{Version: Version, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		Version: Version,
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// AnyMessage is a decoded JSON-RPC message whose kind (request, notification,
// response) is not known until inspected.
type AnyMessage struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// UnmarshalJSON decodes and structurally validates a single JSON-RPC message.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type plain AnyMessage
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.Version != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", raw.Version)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	switch {
	case hasMethod && (hasResult || hasError):
		return fmt.Errorf("request must not carry result or error")
	case !hasMethod && hasResult && hasError:
		return fmt.Errorf("response must not carry both result and error")
	case !hasMethod && !hasResult && !hasError:
		return fmt.Errorf("message is neither request nor response")
	}

	*m = AnyMessage(raw)
	return nil
}

// Kind returns "request", "notification" or "response".
func (m *AnyMessage) Kind() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the request view of the message, or nil for responses.
// Notifications are returned as requests with a nil ID.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{Version: m.Version, Method: m.Method, Params: m.Params, ID: m.ID}
}

// AsResponse returns the response view of the message, or nil for requests.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}
	return &Response{Version: m.Version, Result: m.Result, Error: m.Error, ID: m.ID}
}
