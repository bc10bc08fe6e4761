package cmsrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/contentops/mcp-gateway/internal/jsonrpc"
	"github.com/google/uuid"
)

const defaultTimeout = 30 * time.Second

// BackendError is a failed backend call. Code and Data come from the
// backend's JSON-RPC error object when one was returned; HTTPStatus records
// the transport-level status so the caller can preserve its intent.
type BackendError struct {
	Code       jsonrpc.ErrorCode
	Message    string
	Data       json.RawMessage
	HTTPStatus int
}

func (e *BackendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend http %d: %s", e.HTTPStatus, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the slog logger; defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithAPIKey attaches a service credential to every backend request. This is
// the gateway's own credential for the CMS, unrelated to end-user tokens.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// Client is a JSON-RPC 2.0 client for the CMS endpoint. Safe for concurrent use.
type Client struct {
	endpoint string
	hc       *http.Client
	log      *slog.Logger
	apiKey   string
}

// New builds a client for the given JSON-RPC endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: defaultTimeout},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs a single JSON-RPC request and unmarshals the result into
// result (which may be nil to discard it). Backend failures return
// *BackendError; transport failures return wrapped plain errors.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(uuid.NewString()), method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	hres, err := c.hc.Do(hreq)
	if err != nil {
		return fmt.Errorf("backend call %q: %w", method, err)
	}
	defer hres.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(hres.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}

	c.log.DebugContext(ctx, "cmsrpc.call",
		slog.String("method", method),
		slog.Int("status", hres.StatusCode),
		slog.Duration("dur", time.Since(start)))

	var res jsonrpc.Response
	if err := json.Unmarshal(raw, &res); err != nil {
		if hres.StatusCode != http.StatusOK {
			return &BackendError{HTTPStatus: hres.StatusCode, Message: http.StatusText(hres.StatusCode)}
		}
		return fmt.Errorf("decode backend response: %w", err)
	}
	if res.Error != nil {
		return &BackendError{
			Code:       res.Error.Code,
			Message:    res.Error.Message,
			Data:       marshalData(res.Error.Data),
			HTTPStatus: hres.StatusCode,
		}
	}
	if hres.StatusCode != http.StatusOK {
		return &BackendError{HTTPStatus: hres.StatusCode, Message: http.StatusText(hres.StatusCode)}
	}
	if result != nil {
		if err := json.Unmarshal(res.Result, result); err != nil {
			return fmt.Errorf("decode backend result for %q: %w", method, err)
		}
	}
	return nil
}

func marshalData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}
