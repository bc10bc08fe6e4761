package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/catalog"
	"github.com/contentops/mcp-gateway/internal/engine"
	"github.com/contentops/mcp-gateway/internal/jsonrpc"
	"github.com/contentops/mcp-gateway/internal/logctx"
	"github.com/contentops/mcp-gateway/internal/wellknown"
	"github.com/contentops/mcp-gateway/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Go matches headers case-insensitively; canonical names for clarity.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	keepaliveInterval = 25 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible. This is transport-level, not
// JSON-RPC framing.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// buildBearerChallenge renders a WWW-Authenticate Bearer challenge. Realm is
// omitted when empty, which RFC 6750 permits. Attribute order is fixed so the
// header is stable.
func buildBearerChallenge(realm, resourceMetadata string, params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 2+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// lockedWriteFlusher serializes writes/flushes to an SSE response and stops
// writing once the request context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("write sse id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(wf, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse data: %w", err)
	}
	wf.Flush()
	return nil
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName      string
	logger          *slog.Logger
	realm           string
	softwareID      string
	softwareVersion string
}

// WithServerName sets the human-readable resource name surfaced in the
// protected resource metadata.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the slog logger; defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithRealm sets the authentication realm advertised in WWW-Authenticate
// challenges. Empty omits the realm attribute.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithSoftwareIdentity sets the software_id and software_version advertised
// in the protected resource metadata.
func WithSoftwareIdentity(id, version string) Option {
	return func(c *newConfig) {
		c.softwareID = id
		c.softwareVersion = version
	}
}

// NewSessionFactory wires the registry's session construction: each new
// session gets its own SSE transport and protocol handler over the shared
// catalog.
func NewSessionFactory(cat *catalog.Catalog, opts ...engine.Option) sessions.Factory {
	return func(ctx context.Context, sess *sessions.Session) (sessions.Handler, sessions.Transport, error) {
		transport := NewSessionTransport()
		handler := engine.New(sess.ID(), cat, transport, opts...)
		return handler, transport, nil
	}
}

type protocolVersioner interface {
	ProtocolVersion() string
}

// Handler serves the streaming MCP endpoint and the discovery documents.
type Handler struct {
	handler  http.Handler
	log      *slog.Logger
	verifier auth.Verifier
	registry *sessions.Registry

	serverURL      *url.URL
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
	asMetadata     wellknown.AuthServerMetadata
	realm          string
}

// New builds the HTTP surface for the given public MCP endpoint URL. The
// verifier authenticates bearer tokens when presented; meta is the upstream
// authorization server metadata republished at the well-known endpoints.
func New(publicEndpoint string, registry *sessions.Registry, verifier auth.Verifier, meta auth.ServerMetadata, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		verifier:  verifier,
		registry:  registry,
		serverURL: mcpURL,
		realm:     cfg.realm,
	}

	h.prmDocumentURL = &url.URL{
		Scheme: mcpURL.Scheme,
		Host:   mcpURL.Host,
		Path:   "/.well-known/oauth-protected-resource" + mcpURL.Path,
	}
	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:               mcpURL.String(),
		AuthorizationServers:   []string{meta.Issuer},
		JwksURI:                meta.JWKSURI,
		ScopesSupported:        meta.ScopesSupported,
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           cfg.serverName,
		ResourceDocumentation:  meta.ServiceDocumentation,
		SoftwareID:             cfg.softwareID,
		SoftwareVersion:        cfg.softwareVersion,
	}
	h.asMetadata = wellknown.AuthServerMetadata{
		Issuer:                        meta.Issuer,
		AuthorizationEndpoint:         meta.AuthorizationEndpoint,
		TokenEndpoint:                 meta.TokenEndpoint,
		RegistrationEndpoint:          meta.RegistrationEndpoint,
		JwksURI:                       meta.JWKSURI,
		ScopesSupported:               meta.ScopesSupported,
		ResponseTypesSupported:        meta.ResponseTypesSupported,
		GrantTypesSupported:           meta.GrantTypesSupported,
		ResponseModesSupported:        meta.ResponseModesSupported,
		CodeChallengeMethodsSupported: meta.CodeChallengeMethodsSupported,
		ServiceDocumentation:          meta.ServiceDocumentation,
	}

	mux := http.NewServeMux()
	mcpPath := pathOnly(mcpURL)
	mux.HandleFunc("POST "+mcpPath, h.handlePostMCP)
	mux.HandleFunc("GET "+mcpPath, h.handleGetMCP)
	mux.HandleFunc("DELETE "+mcpPath, h.handleDeleteMCP)
	registerDoc := func(path string, doc any) {
		serve := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", jsonMediaType.String())
			if err := json.NewEncoder(w).Encode(doc); err != nil {
				http.Error(w, "failed to encode metadata", http.StatusInternalServerError)
			}
		}
		mux.HandleFunc("GET "+strings.TrimSuffix(path, "/"), serve)
		mux.HandleFunc("GET "+strings.TrimSuffix(path, "/")+"/", serve)
	}
	registerDoc(pathOnly(h.prmDocumentURL), h.prmDocument)
	registerDoc("/.well-known/oauth-authorization-server", h.asMetadata)
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	h.handler = cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", mcpSessionIDHeader, mcpProtocolVersionHeader, lastEventIDHeader},
		ExposedHeaders: []string{mcpSessionIDHeader, mcpProtocolVersionHeader, wwwAuthenticateHeader},
		MaxAge:         600,
	})(mux)
	return h, nil
}

func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// identify resolves the request's bearer token into an identity. A request
// without credentials proceeds anonymously; tool-level requirements decide
// later whether that is enough. When identify writes a response it returns
// false and the caller stops.
func (h *Handler) identify(ctx context.Context, r *http.Request, w http.ResponseWriter) (*auth.Identity, bool) {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		return nil, true
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed bearer authorization header",
		}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{
			"error":             "invalid_request",
			"error_description": "empty bearer token",
		}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	ident, err := h.verifier.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrVerificationUnavailable) {
			h.log.WarnContext(ctx, "auth.check.unavailable",
				slog.String("token", auth.Redact(tok)),
				slog.String("err", err.Error()))
			w.Header().Set("Retry-After", "5")
			writeJSONError(w, http.StatusServiceUnavailable, "token verification temporarily unavailable")
			return nil, false
		}
		h.log.InfoContext(ctx, "auth.check.fail",
			slog.String("token", auth.Redact(tok)),
			slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{
			"error":             "invalid_token",
			"error_description": "token validation failed",
		}))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return ident, true
}

func (h *Handler) challenge(params map[string]string) string {
	return buildBearerChallenge(h.realm, h.prmDocumentURL.String(), params)
}

// handlePostMCP routes inbound messages. The session header decides: absent
// means this must be an initialize request that creates a session; present
// means the message dispatches into that session or 404s.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	ident, ok := h.identify(ctx, r, w)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Kind(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleSessionCreation(ctx, w, r, ident, &msg, start)
		return
	}

	sess, err := h.registry.Get(sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = h.sessionContext(ctx, sess, ident)
	if !h.checkProtocolVersion(ctx, w, r, sess, http.StatusBadRequest) {
		return
	}

	req := msg.AsRequest()
	if req == nil || req.IsNotification() {
		// Notifications and client responses produce nothing on the POST body.
		if _, err := sess.Handler().Handle(ctx, ident, &msg); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		h.setVersionHeader(w, sess)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	h.setVersionHeader(w, sess)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	res, err := sess.Handler().Handle(ctx, ident, &msg)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleSessionCreation handles a POST without a session header: only an
// initialize request may create a session.
func (h *Handler) handleSessionCreation(ctx context.Context, w http.ResponseWriter, r *http.Request, ident *auth.Identity, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.IsNotification() || req.Method != "initialize" {
		writeJSONError(w, http.StatusBadRequest, "session creation requires an initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess, err := h.registry.Create(ctx)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "failed to create session")
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = h.sessionContext(ctx, sess, ident)

	res, err := sess.Handler().Handle(ctx, ident, msg)
	if err != nil || res == nil {
		_ = h.registry.Destroy(ctx, sess.ID())
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail")
		return
	}
	if res.Error != nil {
		// The session never came up; do not hand out an id.
		_ = h.registry.Destroy(ctx, sess.ID())
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(res)
		h.log.InfoContext(ctx, "session.initialize.rejected")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	h.setVersionHeader(w, sess)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP attaches the caller to its session's push stream.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	ident, ok := h.identify(ctx, r, w)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, err := h.registry.Get(sessID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = h.sessionContext(ctx, sess, ident)
	if !h.checkProtocolVersion(ctx, w, r, sess, http.StatusPreconditionFailed) {
		return
	}

	transport, ok := sess.Transport().(*SessionTransport)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.transport.mismatch")
		return
	}
	replay, events, detach, err := transport.attach(r.Header.Get(lastEventIDHeader))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer detach()

	h.setVersionHeader(w, sess)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start")

	for _, ev := range replay {
		if err := writeSSEEvent(wf, eventID(ev.id), ev.payload); err != nil {
			h.log.WarnContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-keepalive.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		case ev, open := <-events:
			if !open {
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
				return
			}
			if err := writeSSEEvent(wf, eventID(ev.id), ev.payload); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "sse.message.deliver")
		}
	}
}

// handleDeleteMCP terminates a session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	ident, ok := h.identify(ctx, r, w)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	sess, err := h.registry.Get(sessID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}
	ctx = h.sessionContext(ctx, sess, ident)
	if !h.checkProtocolVersion(ctx, w, r, sess, http.StatusPreconditionFailed) {
		return
	}

	h.setVersionHeader(w, sess)
	if err := h.registry.Destroy(ctx, sess.ID()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.registry.Len(),
	})
}

func (h *Handler) sessionContext(ctx context.Context, sess *sessions.Session, ident *auth.Identity) context.Context {
	sd := &logctx.SessionData{SessionID: sess.ID()}
	if ident != nil {
		sd.Subject = ident.Subject
	}
	if pv, ok := sess.Handler().(protocolVersioner); ok {
		sd.ProtocolVersion = pv.ProtocolVersion()
	}
	return logctx.WithSessionData(ctx, sd)
}

// checkProtocolVersion rejects requests whose MCP-Protocol-Version header
// contradicts the session's negotiated revision.
func (h *Handler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session, failStatus int) bool {
	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if clientPV == "" {
		return true
	}
	pv, ok := sess.Handler().(protocolVersioner)
	if !ok || pv.ProtocolVersion() == "" || clientPV == pv.ProtocolVersion() {
		return true
	}
	h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
	w.WriteHeader(failStatus)
	return false
}

func (h *Handler) setVersionHeader(w http.ResponseWriter, sess *sessions.Session) {
	if pv, ok := sess.Handler().(protocolVersioner); ok {
		if v := pv.ProtocolVersion(); v != "" {
			w.Header().Set(mcpProtocolVersionHeader, v)
		}
	}
}
