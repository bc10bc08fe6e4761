package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the message is not a valid request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal server error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server error range (-32000..-32099) used for the
// gateway's own failure taxonomy.
const (
	// ErrorCodeUnauthorized indicates the operation requires an authenticated
	// identity that was missing or invalid.
	ErrorCodeUnauthorized ErrorCode = -32001
	// ErrorCodeForbidden indicates the identity lacks required scopes.
	ErrorCodeForbidden ErrorCode = -32003
	// ErrorCodeUpstreamError indicates the backend CMS call failed.
	ErrorCodeUpstreamError ErrorCode = -32010
)
