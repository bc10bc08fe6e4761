package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/catalog"
	"github.com/contentops/mcp-gateway/internal/jsonrpc"
	"github.com/contentops/mcp-gateway/mcp"
	"github.com/contentops/mcp-gateway/sessions"
)

type stubVerifier struct {
	idents map[string]*auth.Identity
	errs   map[string]error
}

func (v *stubVerifier) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if err, ok := v.errs[token]; ok {
		return nil, err
	}
	if id, ok := v.idents[token]; ok {
		return id, nil
	}
	return nil, fmt.Errorf("%w: unknown token", errors.Join(auth.ErrTokenInvalid, auth.ErrInvalidSignature))
}

func testMetadata() auth.ServerMetadata {
	return auth.ServerMetadata{
		Issuer:                "https://as.example.com",
		AuthorizationEndpoint: "https://as.example.com/oauth2/auth",
		TokenEndpoint:         "https://as.example.com/oauth2/token",
		JWKSURI:               "https://as.example.com/keys",
		ScopesSupported:       []string{"content:read", "content:write"},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *sessions.Registry) {
	t.Helper()

	cat := catalog.New(nil)
	t.Cleanup(cat.Close)
	echo, err := catalog.NewEntry(catalog.Descriptor{
		Name:        "echo",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, func(ctx context.Context, args json.RawMessage, ident *auth.Identity) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: mcp.TextContent("echo")}, nil
	})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	gated, err := catalog.NewEntry(catalog.Descriptor{
		Name:        "publish_entry",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
		Auth:        catalog.AuthRequired,
		Scopes:      []string{"content:write"},
	}, func(ctx context.Context, args json.RawMessage, ident *auth.Identity) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: mcp.TextContent("published by " + ident.Subject)}, nil
	})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	cat.SetSource(t.Context(), catalog.StaticSource, []*catalog.Entry{echo, gated})

	registry := sessions.NewRegistry(NewSessionFactory(cat), nil)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	verifier := &stubVerifier{
		idents: map[string]*auth.Identity{
			"good-token": {Subject: "user-1", Scopes: []string{"content:write"}, ExpiresAt: time.Now().Add(time.Hour)},
			"weak-token": {Subject: "user-2", Scopes: []string{"content:read"}, ExpiresAt: time.Now().Add(time.Hour)},
		},
		errs: map[string]error{
			"flaky-token": fmt.Errorf("%w: jwks fetch failed", auth.ErrVerificationUnavailable),
		},
	}

	h, err := New("http://gateway.example.com/mcp", registry, verifier, testMetadata(),
		WithServerName("content gateway"),
		WithRealm("mcp"),
		WithSoftwareIdentity("mcp-gateway", "1.2.3"))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, registry
}

func postMessage(t *testing.T, srv *httptest.Server, sessID, token string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return res
}

func rpcBody(id any, method string, params any) map[string]any {
	body := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		body["id"] = id
	}
	if params != nil {
		body["params"] = params
	}
	return body
}

func initializeSession(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	res := postMessage(t, srv, "", token, rpcBody(1, "initialize", map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
		"clientInfo":      map[string]any{"name": "test", "version": "0"},
	}))
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d", res.StatusCode)
	}
	sessID := res.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("no session id header on initialize response")
	}
	var rpcRes jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&rpcRes); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if rpcRes.Error != nil {
		t.Fatalf("initialize failed: %+v", rpcRes.Error)
	}

	res = postMessage(t, srv, sessID, token, rpcBody(nil, "notifications/initialized", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification status %d", res.StatusCode)
	}
	return sessID
}

// sseResponse reads the single JSON-RPC response event from a POST SSE body.
func sseResponse(t *testing.T, body io.Reader) *jsonrpc.Response {
	t.Helper()
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var res jsonrpc.Response
			if err := json.Unmarshal([]byte(data), &res); err != nil {
				t.Fatalf("decode sse data %q: %v", data, err)
			}
			return &res
		}
	}
	t.Fatal("no SSE data event in response body")
	return nil
}

func TestInitializeCreatesSession(t *testing.T) {
	srv, reg := newTestServer(t)
	sessID := initializeSession(t, srv, "")
	if _, err := reg.Get(sessID); err != nil {
		t.Fatalf("session not registered: %v", err)
	}
}

func TestPostWithoutSessionRequiresInitialize(t *testing.T) {
	srv, _ := newTestServer(t)
	res := postMessage(t, srv, "", "", rpcBody(1, "tools/list", nil))
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", res.StatusCode)
	}
}

func TestPostUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	res := postMessage(t, srv, "no-such-session", "", rpcBody(1, "tools/list", nil))
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", res.StatusCode)
	}
}

func TestSecondInitializeRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv, "")

	res := postMessage(t, srv, sessID, "", rpcBody(2, "initialize", map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
	}))
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200 SSE carrying the error, got %d", res.StatusCode)
	}
	rpcRes := sseResponse(t, res.Body)
	if rpcRes.Error == nil || rpcRes.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("second initialize should fail in-band: %+v", rpcRes)
	}
}

func TestToolsListOverPost(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv, "")

	res := postMessage(t, srv, sessID, "", rpcBody(3, "tools/list", nil))
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("want SSE response, got %q", ct)
	}
	rpcRes := sseResponse(t, res.Body)
	if rpcRes.Error != nil {
		t.Fatalf("tools/list error: %+v", rpcRes.Error)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(rpcRes.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("want 2 tools, got %d", len(result.Tools))
	}
}

func TestToolCallAuthFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv, "")

	call := func(token string) *jsonrpc.Response {
		res := postMessage(t, srv, sessID, token, rpcBody(4, "tools/call", map[string]any{
			"name":      "publish_entry",
			"arguments": map[string]any{},
		}))
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("want 200, got %d", res.StatusCode)
		}
		return sseResponse(t, res.Body)
	}

	// Anonymous caller: in-band unauthorized, not an HTTP 401.
	rpcRes := call("")
	if rpcRes.Error == nil || rpcRes.Error.Code != jsonrpc.ErrorCodeUnauthorized {
		t.Fatalf("anonymous call: want -32001, got %+v", rpcRes)
	}

	// Valid token without the needed scope.
	rpcRes = call("weak-token")
	if rpcRes.Error == nil || rpcRes.Error.Code != jsonrpc.ErrorCodeForbidden {
		t.Fatalf("under-scoped call: want -32003, got %+v", rpcRes)
	}

	// Properly scoped token succeeds and the tool saw the subject.
	rpcRes = call("good-token")
	if rpcRes.Error != nil {
		t.Fatalf("scoped call failed: %+v", rpcRes.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(rpcRes.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "published by user-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestBearerChallenges(t *testing.T) {
	srv, _ := newTestServer(t)

	// Invalid token is rejected at the HTTP layer regardless of payload.
	res := postMessage(t, srv, "", "garbage", rpcBody(1, "initialize", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token: want 401, got %d", res.StatusCode)
	}
	challenge := res.Header.Get("WWW-Authenticate")
	if !strings.Contains(challenge, `error="invalid_token"`) {
		t.Fatalf("challenge missing invalid_token: %q", challenge)
	}
	if !strings.Contains(challenge, "/.well-known/oauth-protected-resource/mcp") {
		t.Fatalf("challenge missing resource metadata pointer: %q", challenge)
	}
	if !strings.Contains(challenge, `realm="mcp"`) {
		t.Fatalf("challenge missing realm: %q", challenge)
	}

	// Verification outage is distinguishable from a bad token.
	res = postMessage(t, srv, "", "flaky-token", rpcBody(1, "initialize", nil))
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unavailable verification: want 503, got %d", res.StatusCode)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatal("503 should carry Retry-After")
	}

	// A malformed Authorization header is invalid_request, not invalid_token.
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed header: want 400, got %d", res.StatusCode)
	}
	if !strings.Contains(res.Header.Get("WWW-Authenticate"), `error="invalid_request"`) {
		t.Fatalf("challenge: %q", res.Header.Get("WWW-Authenticate"))
	}
}

func TestGetStreamDeliversAndReplays(t *testing.T) {
	srv, reg := newTestServer(t)
	sessID := initializeSession(t, srv, "")

	sess, err := reg.Get(sessID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	note, _ := jsonrpc.NewRequest(nil, "notifications/tools/list_changed", nil)
	payload, _ := json.Marshal(note)
	if err := sess.Transport().Send(t.Context(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	openStream := func(lastEventID string) (*http.Response, context.CancelFunc) {
		ctx, cancel := context.WithCancel(t.Context())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Mcp-Session-Id", sessID)
		if lastEventID != "" {
			req.Header.Set("Last-Event-ID", lastEventID)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			cancel()
			t.Fatalf("get: %v", err)
		}
		return res, cancel
	}

	readEvent := func(res *http.Response) (id, data string) {
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			line := sc.Text()
			if v, ok := strings.CutPrefix(line, "id: "); ok {
				id = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				return id, v
			}
		}
		t.Fatal("no event on stream")
		return "", ""
	}

	res, cancel := openStream("")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}
	id, data := readEvent(res)
	if id != "1" || !strings.Contains(data, "list_changed") {
		t.Fatalf("unexpected event id=%q data=%q", id, data)
	}
	cancel()
	res.Body.Close()

	// Reconnecting below the delivered id replays the message.
	res, cancel = openStream("0")
	defer cancel()
	defer res.Body.Close()
	id, _ = readEvent(res)
	if id != "1" {
		t.Fatalf("replay: want event 1, got %q", id)
	}
}

func TestGetStreamRequiresSessionHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", res.StatusCode)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	srv, reg := newTestServer(t)
	sessID := initializeSession(t, srv, "")

	doDelete := func(id string) int {
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodDelete, srv.URL+"/mcp", nil)
		if id != "" {
			req.Header.Set("Mcp-Session-Id", id)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if status := doDelete(""); status != http.StatusBadRequest {
		t.Fatalf("missing header: want 400, got %d", status)
	}
	if status := doDelete(sessID); status != http.StatusNoContent {
		t.Fatalf("delete: want 204, got %d", status)
	}
	if _, err := reg.Get(sessID); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("session should be gone: %v", err)
	}
	if status := doDelete(sessID); status != http.StatusNotFound {
		t.Fatalf("repeat delete: want 404, got %d", status)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv, "")

	b, _ := json.Marshal(rpcBody(5, "tools/list", nil))
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", res.StatusCode)
	}
}

func TestWellKnownDocuments(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.Client().Get(srv.URL + "/.well-known/oauth-protected-resource/mcp")
	if err != nil {
		t.Fatalf("get prm: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("prm status %d", res.StatusCode)
	}
	var prm map[string]any
	if err := json.NewDecoder(res.Body).Decode(&prm); err != nil {
		t.Fatalf("decode prm: %v", err)
	}
	if prm["resource"] != "http://gateway.example.com/mcp" {
		t.Fatalf("prm resource: %v", prm["resource"])
	}
	if prm["software_id"] != "mcp-gateway" || prm["software_version"] != "1.2.3" {
		t.Fatalf("prm software identity: %v", prm)
	}
	servers, _ := prm["authorization_servers"].([]any)
	if len(servers) != 1 || servers[0] != "https://as.example.com" {
		t.Fatalf("prm authorization_servers: %v", prm["authorization_servers"])
	}

	res2, err := srv.Client().Get(srv.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("get as metadata: %v", err)
	}
	defer res2.Body.Close()
	var asDoc map[string]any
	if err := json.NewDecoder(res2.Body).Decode(&asDoc); err != nil {
		t.Fatalf("decode as metadata: %v", err)
	}
	if asDoc["issuer"] != "https://as.example.com" {
		t.Fatalf("as issuer: %v", asDoc["issuer"])
	}
}

func TestHealthzCountsSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	_ = initializeSession(t, srv, "")

	res, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body.Status != "ok" || body.Sessions != 1 {
		t.Fatalf("healthz: %+v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodOptions, srv.URL+"/mcp", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Mcp-Session-Id")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight ACAO: %q", res.Header.Get("Access-Control-Allow-Origin"))
	}
	allowed := res.Header.Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowed), "mcp-session-id") {
		t.Fatalf("preflight allowed headers: %q", allowed)
	}

	// Actual responses expose the session header so browsers can read it.
	b, _ := json.Marshal(rpcBody(1, "initialize", map[string]any{"protocolVersion": mcp.LatestProtocolVersion}))
	req2, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", bytes.NewReader(b))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Origin", "https://studio.example.com")
	res2, err := srv.Client().Do(req2)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res2.Body.Close()
	if exposed := res2.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(strings.ToLower(exposed), "mcp-session-id") {
		t.Fatalf("exposed headers: %q", exposed)
	}
}

func TestBatchRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("batch: want 400, got %d", res.StatusCode)
	}
}
