// Package mcp defines the Model Context Protocol wire types the gateway
// speaks to its clients. The surface is intentionally limited to what a
// tool-bridging gateway needs: the initialize handshake, capability
// advertisement, tool listing and tool invocation, plus the ping and
// progress/cancellation notifications.
//
// Types follow the protocol's published JSON shapes. Server-received payloads
// that embed caller-controlled JSON (tool arguments) are kept as
// json.RawMessage so that validation happens exactly once, against the tool's
// declared input schema, before any dispatch occurs.
package mcp
