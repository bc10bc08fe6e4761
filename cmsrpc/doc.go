// Package cmsrpc is the thin JSON-RPC-over-HTTP client for the backend
// content-management API. It is a request/response wrapper: each Call posts a
// single JSON-RPC request and decodes a single response.
//
// Backend failures are surfaced as *BackendError, which preserves the
// backend's JSON-RPC error code and the HTTP status intent so that the
// protocol layer can relay them to MCP clients without inventing semantics.
package cmsrpc
