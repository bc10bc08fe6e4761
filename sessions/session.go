package sessions

import (
	"context"
	"time"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/internal/jsonrpc"
)

// Handler processes a session's inbound JSON-RPC messages. The identity is
// the verified caller of the current HTTP request, or nil for anonymous
// callers; it is never retained across requests. A nil response means the
// message was a notification and nothing goes back on the POST body.
type Handler interface {
	Handle(ctx context.Context, ident *auth.Identity, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)
	Close() error
}

// Transport is the session's push channel for server-initiated messages.
// Done is closed when the transport is finished, whether by Close or by a
// terminal client-side condition.
type Transport interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
	Done() <-chan struct{}
	Close() error
}

// Session is one live client session.
type Session struct {
	id        string
	createdAt time.Time

	handler   Handler
	transport Transport
}

// ID returns the opaque session identifier carried in the Mcp-Session-Id
// header.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Handler returns the session's protocol handler.
func (s *Session) Handler() Handler { return s.handler }

// Transport returns the session's push transport.
func (s *Session) Transport() Transport { return s.transport }
