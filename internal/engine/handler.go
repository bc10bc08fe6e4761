// Package engine implements the per-session MCP protocol handler. One
// Handler exists per live session; it owns the handshake state machine,
// dispatches tool operations against the catalog, and enforces each tool's
// authorization requirement with the identity of the current request.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/catalog"
	"github.com/contentops/mcp-gateway/cmsrpc"
	"github.com/contentops/mcp-gateway/internal/jsonrpc"
	"github.com/contentops/mcp-gateway/internal/logctx"
	"github.com/contentops/mcp-gateway/mcp"
	"github.com/contentops/mcp-gateway/sessions"
)

// supportedProtocolVersions are the revisions the gateway can speak, newest
// first. A client asking for anything else is answered with the newest.
var supportedProtocolVersions = []string{mcp.LatestProtocolVersion, "2025-03-26"}

// Option configures a Handler.
type Option func(*Handler)

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// WithInstructions sets the optional usage instructions returned from
// initialize.
func WithInstructions(s string) Option {
	return func(h *Handler) { h.instructions = s }
}

// WithLogger sets the slog logger; defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler is one session's protocol state machine. Handle is safe for
// concurrent use; the handshake fields are guarded.
type Handler struct {
	sessionID string
	cat       *catalog.Catalog
	transport sessions.Transport
	log       *slog.Logger

	serverInfo   mcp.ImplementationInfo
	instructions string

	mu              sync.Mutex
	initialized     bool
	ready           bool
	protocolVersion string
	clientInfo      mcp.ImplementationInfo

	closeOnce   sync.Once
	closed      chan struct{}
	unsubscribe func()
}

var _ sessions.Handler = (*Handler)(nil)

// New builds the handler for a session and starts relaying catalog changes
// to the session's push transport.
func New(sessionID string, cat *catalog.Catalog, transport sessions.Transport, opts ...Option) *Handler {
	h := &Handler{
		sessionID: sessionID,
		cat:       cat,
		transport: transport,
		log:       slog.Default(),
		serverInfo: mcp.ImplementationInfo{
			Name:    "mcp-gateway",
			Version: "dev",
		},
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	sub, unsub := cat.Subscriber()
	h.unsubscribe = unsub
	go h.relayListChanges(sub)
	return h
}

// ProtocolVersion returns the negotiated protocol revision, or "" before the
// handshake.
func (h *Handler) ProtocolVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.protocolVersion
}

// Close stops the change relay and deregisters the catalog subscription.
// Safe to call more than once.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.unsubscribe()
	})
	return nil
}

// Handle processes one inbound message for this session. A nil response with
// a nil error means the message was a notification (or an ignorable client
// response) and the POST completes with no body.
func (h *Handler) Handle(ctx context.Context, ident *auth.Identity, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Kind(),
	})

	if res := msg.AsResponse(); res != nil {
		// The gateway issues no server-to-client requests, so client
		// responses have nothing to correlate with.
		h.log.DebugContext(ctx, "rpc.response.ignored")
		return nil, nil
	}

	req := msg.AsRequest()
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return h.handleInitialize(ctx, req)
	case mcp.InitializedNotificationMethod:
		h.mu.Lock()
		h.ready = true
		h.mu.Unlock()
		return nil, nil
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case mcp.CancelledNotificationMethod, mcp.ProgressNotificationMethod:
		h.log.DebugContext(ctx, "rpc.notification.ignored")
		return nil, nil
	}

	if !h.handshakeDone() {
		if req.IsNotification() {
			return nil, nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return h.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return h.handleToolsCall(ctx, ident, req)
	default:
		if req.IsNotification() {
			h.log.DebugContext(ctx, "rpc.notification.unknown")
			return nil, nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil), nil
	}
}

func (h *Handler) handshakeDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

func (h *Handler) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.IsNotification() {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "initialize must be a request", nil), nil
	}

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil), nil
		}
	}

	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}
	version := negotiateVersion(params.ProtocolVersion)
	h.initialized = true
	h.protocolVersion = version
	h.clientInfo = params.ClientInfo
	h.mu.Unlock()

	h.log.InfoContext(ctx, "session.initialize",
		slog.String("protocol_version", version),
		slog.String("client", params.ClientInfo.Name))

	return jsonrpc.NewResultResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
		},
		ServerInfo:   h.serverInfo,
		Instructions: h.instructions,
	})
}

func negotiateVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if requested == v {
			return v
		}
	}
	return mcp.LatestProtocolVersion
}

func (h *Handler) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/list params", nil), nil
		}
	}
	// The whole catalog fits in one page; any cursor is stale.
	if params.Cursor != "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown cursor", nil), nil
	}
	tools := h.cat.Tools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: tools})
}

func (h *Handler) handleToolsCall(ctx context.Context, ident *auth.Identity, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil), nil
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	entry, err := h.cat.Lookup(params.Name)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name), nil), nil
	}

	if rpcErr := authorize(entry, ident, time.Now()); rpcErr != nil {
		h.log.InfoContext(ctx, "tool.call.denied",
			slog.Int("code", int(rpcErr.Code)))
		return &jsonrpc.Response{Version: jsonrpc.Version, Error: rpcErr, ID: req.ID}, nil
	}

	if err := entry.ValidateArgs(params.Arguments); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	}

	// Tools that never asked for an identity never see one.
	callIdent := ident
	if entry.Auth == catalog.AuthNone {
		callIdent = nil
	}

	start := time.Now()
	result, err := entry.Invoke(ctx, params.Arguments, callIdent)
	if err != nil {
		h.log.ErrorContext(ctx, "tool.call.fail",
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, invocationErrorCode(err), invocationErrorMessage(err), invocationErrorData(err)), nil
	}

	h.log.InfoContext(ctx, "tool.call",
		slog.Bool("is_error", result.IsError),
		slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewResultResponse(req.ID, result)
}

// authorize applies the tool's requirement against the request's identity.
// Expiry is checked before scopes so a stale token is reported as such even
// when its scopes would not have sufficed either.
func authorize(entry *catalog.Entry, ident *auth.Identity, now time.Time) *jsonrpc.Error {
	if entry.Auth != catalog.AuthRequired {
		return nil
	}
	if ident == nil {
		return &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeUnauthorized,
			Message: fmt.Sprintf("tool %q requires authentication", entry.Name),
			Data:    map[string]any{"reason": "unauthenticated"},
		}
	}
	if ident.Expired(now) {
		return &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeUnauthorized,
			Message: "access token expired",
			Data:    map[string]any{"reason": "token_expired"},
		}
	}
	if missing := ident.MissingScopes(entry.Scopes); len(missing) > 0 {
		return &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeForbidden,
			Message: fmt.Sprintf("tool %q requires scopes the token does not grant", entry.Name),
			Data: map[string]any{
				"reason":   "insufficient_scope",
				"required": entry.Scopes,
				"missing":  missing,
			},
		}
	}
	return nil
}

func invocationErrorCode(err error) jsonrpc.ErrorCode {
	var be *cmsrpc.BackendError
	if errors.As(err, &be) {
		return jsonrpc.ErrorCodeUpstreamError
	}
	return jsonrpc.ErrorCodeInternalError
}

func invocationErrorMessage(err error) string {
	var be *cmsrpc.BackendError
	if errors.As(err, &be) {
		return be.Message
	}
	return "tool invocation failed"
}

func invocationErrorData(err error) any {
	var be *cmsrpc.BackendError
	if errors.As(err, &be) {
		data := map[string]any{"backendCode": int(be.Code)}
		if len(be.Data) > 0 {
			data["detail"] = json.RawMessage(be.Data)
		}
		return data
	}
	return nil
}

// relayListChanges forwards catalog change signals to the session as
// tools/list_changed notifications until the handler closes.
func (h *Handler) relayListChanges(sub <-chan struct{}) {
	for {
		select {
		case <-h.closed:
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
		}
		if !h.handshakeDone() {
			continue
		}
		note, err := jsonrpc.NewRequest(nil, string(mcp.ToolsListChangedNotificationMethod), nil)
		if err != nil {
			continue
		}
		b, err := json.Marshal(note)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.transport.Send(ctx, b); err != nil {
			h.log.Debug("session.notify.drop",
				slog.String("session_id", h.sessionID),
				slog.String("err", err.Error()))
		}
		cancel()
	}
}
