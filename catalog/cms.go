package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/cmsrpc"
	"github.com/contentops/mcp-gateway/mcp"
)

// CMSSource is the source slot name for tools discovered from the backend.
const CMSSource = "cms"

const (
	methodToolsDiscover = "tools.discover"
	methodToolsExecute  = "tools.execute"

	defaultRefreshTTL = 5 * time.Minute
)

// CMSOption configures a CMS tool source.
type CMSOption func(*CMS)

// WithRefreshTTL sets how often the discovered tool set is re-fetched.
func WithRefreshTTL(d time.Duration) CMSOption {
	return func(s *CMS) { s.ttl = d }
}

// WithCMSLogger sets the slog logger; defaults to slog.Default.
func WithCMSLogger(log *slog.Logger) CMSOption {
	return func(s *CMS) { s.log = log }
}

// CMS discovers tools from the backend and registers them in the catalog.
// Each discovered tool's handler relays the call to the backend's execute
// method, threading the caller's subject when one exists.
type CMS struct {
	client *cmsrpc.Client
	cat    *Catalog
	ttl    time.Duration
	log    *slog.Logger
}

// NewCMS builds a CMS tool source over the given backend client.
func NewCMS(client *cmsrpc.Client, cat *Catalog, opts ...CMSOption) *CMS {
	s := &CMS{
		client: client,
		cat:    cat,
		ttl:    defaultRefreshTTL,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type discoverResult struct {
	Tools []Descriptor `json:"tools"`
}

type executeParams struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Scopes    []string        `json:"scopes,omitempty"`
}

// Refresh re-fetches the backend's tool descriptors and swaps the catalog's
// CMS slot. A descriptor that fails schema compilation is skipped so one bad
// tool cannot take down the rest.
func (s *CMS) Refresh(ctx context.Context) error {
	var res discoverResult
	if err := s.client.Call(ctx, methodToolsDiscover, nil, &res); err != nil {
		return fmt.Errorf("tool discovery: %w", err)
	}

	entries := make([]*Entry, 0, len(res.Tools))
	for _, desc := range res.Tools {
		e, err := NewEntry(desc, s.Invoker(desc.Name))
		if err != nil {
			s.log.WarnContext(ctx, "catalog.cms.tool.skip",
				slog.String("tool", desc.Name),
				slog.String("err", err.Error()))
			continue
		}
		entries = append(entries, e)
	}

	s.cat.SetSource(ctx, CMSSource, entries)
	return nil
}

// Run performs an initial refresh and then re-discovers on the configured
// interval until the context ends. Refresh failures after the first success
// keep the previous tool set.
func (s *CMS) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.WarnContext(ctx, "catalog.cms.refresh.fail",
					slog.String("err", err.Error()))
			}
		}
	}
}

// Invoker returns a handler that relays the named tool's calls to the
// backend's execute method. Also used by file-declared tools, whose
// descriptors live on disk but whose execution still belongs to the backend.
func (s *CMS) Invoker(tool string) InvokeFunc {
	return func(ctx context.Context, args json.RawMessage, ident *auth.Identity) (*mcp.CallToolResult, error) {
		params := executeParams{Tool: tool, Arguments: args}
		if ident != nil {
			params.Subject = ident.Subject
			params.Scopes = ident.Scopes
		}
		var result mcp.CallToolResult
		if err := s.client.Call(ctx, methodToolsExecute, params, &result); err != nil {
			return nil, err
		}
		if result.Content == nil {
			result.Content = []mcp.ContentBlock{}
		}
		return &result, nil
	}
}
