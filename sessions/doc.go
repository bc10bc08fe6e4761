// Package sessions tracks live MCP sessions in memory. Each session pairs a
// protocol handler with the push transport that carries server-initiated
// messages to its client. Sessions exist only for the lifetime of the
// process; there is no durable store and no cross-node handoff.
package sessions
