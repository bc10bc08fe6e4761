// Package streaminghttp implements the client-facing HTTP surface of the
// gateway: the streaming MCP endpoint (POST, GET and DELETE on one path),
// the OAuth well-known discovery documents, and a health probe.
//
// The POST handler is the request router: the presence and validity of the
// Mcp-Session-Id header decides between creating a session, dispatching into
// an existing one, and rejecting the request. The GET handler attaches the
// client to its session's push transport as a server-sent event stream, with
// Last-Event-ID replay on reconnect.
package streaminghttp
