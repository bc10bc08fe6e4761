package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/mcp"
)

// ErrUnknownTool is returned by Lookup for names not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// AuthRequirement states what a tool demands of the caller's identity.
type AuthRequirement int

const (
	// AuthNone: the tool never sees an identity; anonymous and authenticated
	// callers are treated alike.
	AuthNone AuthRequirement = iota
	// AuthOptional: the tool runs for anonymous callers but receives the
	// identity when one is present.
	AuthOptional
	// AuthRequired: the tool refuses anonymous callers and enforces its
	// scope list.
	AuthRequired
)

func (a AuthRequirement) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthOptional:
		return "optional"
	case AuthRequired:
		return "required"
	default:
		return fmt.Sprintf("authrequirement(%d)", int(a))
	}
}

// MarshalJSON encodes the requirement as its lowercase name.
func (a AuthRequirement) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts "none", "optional" or "required". Absent fields stay
// at the zero value AuthNone.
func (a *AuthRequirement) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "none", "":
		*a = AuthNone
	case "optional":
		*a = AuthOptional
	case "required":
		*a = AuthRequired
	default:
		return fmt.Errorf("unknown auth requirement %q", s)
	}
	return nil
}

// Descriptor is the serializable description of a tool: what the client sees
// via tools/list plus the gateway-side authorization policy. It is the shape
// shared by the CMS discovery response and the on-disk descriptor file.
type Descriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"inputSchema"`
	Auth        AuthRequirement     `json:"auth"`
	Scopes      []string            `json:"scopes,omitempty"`
}

// InvokeFunc executes a tool call. ident is nil for anonymous callers; it is
// only ever non-nil when the entry's requirement admits an identity.
type InvokeFunc func(ctx context.Context, args json.RawMessage, ident *auth.Identity) (*mcp.CallToolResult, error)

// Entry is a registered tool: its descriptor, its handler and the compiled
// form of its input schema.
type Entry struct {
	Descriptor
	Invoke InvokeFunc

	resolved *jsonschema.Resolved
}

// NewEntry compiles the descriptor's input schema and pairs it with a handler.
func NewEntry(desc Descriptor, invoke InvokeFunc) (*Entry, error) {
	if desc.Name == "" {
		return nil, errors.New("tool descriptor needs a name")
	}
	if invoke == nil {
		return nil, fmt.Errorf("tool %q has no handler", desc.Name)
	}
	if desc.InputSchema.Type == "" {
		desc.InputSchema.Type = "object"
	}
	resolved, err := compileInputSchema(desc.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", desc.Name, err)
	}
	return &Entry{Descriptor: desc, Invoke: invoke, resolved: resolved}, nil
}

// Tool is the client-facing view of the entry.
func (e *Entry) Tool() mcp.Tool {
	return mcp.Tool{
		Name:        e.Name,
		Description: e.Description,
		InputSchema: e.InputSchema,
	}
}

// ValidateArgs checks raw call arguments against the compiled input schema.
// Empty arguments validate as an empty object.
func (e *Entry) ValidateArgs(args json.RawMessage) error {
	var instance any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	if err := e.resolved.Validate(instance); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// compileInputSchema round-trips the simplified wire schema through JSON into
// a full jsonschema.Schema and resolves it for validation.
func compileInputSchema(in mcp.ToolInputSchema) (*jsonschema.Resolved, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("input schema is not a valid JSON schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	return resolved, nil
}

// Catalog is the merged, threadsafe view over all tool sources. Each source
// owns a named slot; replacing a slot atomically swaps that source's entries
// and notifies subscribers when the advertised list actually changed.
type Catalog struct {
	mu       sync.RWMutex
	sources  map[string][]*Entry
	srcOrder []string
	byName   map[string]*Entry

	notifier ChangeNotifier
	log      *slog.Logger
}

// New returns an empty catalog.
func New(log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		sources: make(map[string][]*Entry),
		byName:  make(map[string]*Entry),
		log:     log,
	}
}

// SetSource replaces the entries contributed by the named source. On a name
// collision the earlier source wins and the duplicate is dropped with a
// warning. Returns whether the advertised tool list changed.
func (c *Catalog) SetSource(ctx context.Context, source string, entries []*Entry) bool {
	c.mu.Lock()
	before := c.names()
	if _, known := c.sources[source]; !known {
		c.srcOrder = append(c.srcOrder, source)
	}
	c.sources[source] = entries
	c.rebuildLocked()
	after := c.names()
	c.mu.Unlock()

	changed := !equalNames(before, after)
	if changed {
		_ = c.notifier.Notify(ctx)
		c.log.InfoContext(ctx, "catalog.source.replace",
			slog.String("source", source),
			slog.Int("tools", len(entries)))
	}
	return changed
}

// Lookup resolves a tool by name.
func (c *Catalog) Lookup(name string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e, nil
}

// Tools returns the advertised tool list in stable source-then-registration
// order.
func (c *Catalog) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(c.byName))
	for _, src := range c.srcOrder {
		for _, e := range c.sources[src] {
			if c.byName[e.Name] == e {
				out = append(out, e.Tool())
			}
		}
	}
	return out
}

// Len returns the number of advertised tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}

// Subscriber returns a channel signaled whenever the tool list changes, plus
// a cancel that deregisters it. Sessions cancel on close so the catalog does
// not retain channels for their whole process lifetime.
func (c *Catalog) Subscriber() (<-chan struct{}, func()) {
	return c.notifier.Subscriber()
}

// Subscribers reports how many listeners are currently registered.
func (c *Catalog) Subscribers() int {
	return c.notifier.count()
}

// Close releases all subscriber channels.
func (c *Catalog) Close() {
	c.notifier.Close()
}

func (c *Catalog) rebuildLocked() {
	byName := make(map[string]*Entry, len(c.byName))
	for _, src := range c.srcOrder {
		for _, e := range c.sources[src] {
			if _, dup := byName[e.Name]; dup {
				c.log.Warn("catalog.tool.duplicate",
					slog.String("tool", e.Name),
					slog.String("source", src))
				continue
			}
			byName[e.Name] = e
		}
	}
	c.byName = byName
}

func (c *Catalog) names() []string {
	out := make([]string, 0, len(c.byName))
	for _, src := range c.srcOrder {
		for _, e := range c.sources[src] {
			if c.byName[e.Name] == e {
				out = append(out, e.Name)
			}
		}
	}
	return out
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
