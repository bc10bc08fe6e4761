package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/mcp"
)

// StaticSource is the source slot name for tools registered in code.
const StaticSource = "static"

// StaticOption configures a typed static tool.
type StaticOption func(*staticConfig)

type staticConfig struct {
	description string
	auth        AuthRequirement
	scopes      []string
}

// WithDescription sets the description shown in tool listings.
func WithDescription(d string) StaticOption {
	return func(c *staticConfig) { c.description = d }
}

// WithAuth sets the tool's authorization requirement and required scopes.
func WithAuth(req AuthRequirement, scopes ...string) StaticOption {
	return func(c *staticConfig) {
		c.auth = req
		c.scopes = scopes
	}
}

// NewTypedEntry builds an entry whose input schema is reflected from the Go
// argument struct A. Unknown argument fields are rejected at decode time.
func NewTypedEntry[A any](name string, fn func(ctx context.Context, args A, ident *auth.Identity) (*mcp.CallToolResult, error), opts ...StaticOption) (*Entry, error) {
	cfg := staticConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := Descriptor{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](),
		Auth:        cfg.auth,
		Scopes:      cfg.scopes,
	}
	invoke := func(ctx context.Context, raw json.RawMessage, ident *auth.Identity) (*mcp.CallToolResult, error) {
		var a A
		if len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return &mcp.CallToolResult{
					Content: mcp.TextContent(fmt.Sprintf("invalid arguments: %v", err)),
					IsError: true,
				}, nil
			}
		}
		return fn(ctx, a, ident)
	}
	return NewEntry(desc, invoke)
}

// MustTypedEntry is NewTypedEntry for statically known types; it panics on a
// reflection or schema error, which can only stem from a programming mistake.
func MustTypedEntry[A any](name string, fn func(ctx context.Context, args A, ident *auth.Identity) (*mcp.CallToolResult, error), opts ...StaticOption) *Entry {
	e, err := NewTypedEntry(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// reflectInputSchema reflects a Go struct into the simplified wire schema.
// Non-object shapes collapse to an empty object schema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
		if len(s.Required) > 0 {
			p.Required = append(p.Required, s.Required...)
		}
	}
	return p
}
