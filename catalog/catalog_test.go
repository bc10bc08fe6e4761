package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/contentops/mcp-gateway/auth"
	"github.com/contentops/mcp-gateway/mcp"
)

func echoInvoke(ctx context.Context, args json.RawMessage, ident *auth.Identity) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: mcp.TextContent("ok")}, nil
}

func objSchema(props map[string]mcp.SchemaProperty, required ...string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func TestAuthRequirementJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want AuthRequirement
	}{
		{`"none"`, AuthNone},
		{`""`, AuthNone},
		{`"optional"`, AuthOptional},
		{`"required"`, AuthRequired},
	} {
		var got AuthRequirement
		if err := json.Unmarshal([]byte(tc.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: want %v got %v", tc.in, tc.want, got)
		}
	}

	var bad AuthRequirement
	if err := json.Unmarshal([]byte(`"mandatory"`), &bad); err == nil {
		t.Fatal("unknown requirement should fail to parse")
	}

	b, err := json.Marshal(AuthRequired)
	if err != nil || string(b) != `"required"` {
		t.Fatalf("marshal: got %s, %v", b, err)
	}
}

func TestEntryValidateArgs(t *testing.T) {
	e, err := NewEntry(Descriptor{
		Name: "content_search",
		InputSchema: objSchema(map[string]mcp.SchemaProperty{
			"query": {Type: "string"},
			"limit": {Type: "integer"},
		}, "query"),
	}, echoInvoke)
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}

	if err := e.ValidateArgs(json.RawMessage(`{"query":"draft","limit":5}`)); err != nil {
		t.Fatalf("valid args rejected: %v", err)
	}
	if err := e.ValidateArgs(json.RawMessage(`{"limit":5}`)); err == nil {
		t.Fatal("missing required property accepted")
	}
	if err := e.ValidateArgs(json.RawMessage(`{"query":42}`)); err == nil {
		t.Fatal("wrong property type accepted")
	}
	if err := e.ValidateArgs(json.RawMessage(`{"query"`)); err == nil {
		t.Fatal("truncated JSON accepted")
	}
}

func TestEntryValidateArgs_EmptyIsEmptyObject(t *testing.T) {
	e, err := NewEntry(Descriptor{
		Name:        "list_spaces",
		InputSchema: objSchema(nil),
	}, echoInvoke)
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	if err := e.ValidateArgs(nil); err != nil {
		t.Fatalf("nil args should validate as {}: %v", err)
	}

	strict, err := NewEntry(Descriptor{
		Name:        "get_entry",
		InputSchema: objSchema(map[string]mcp.SchemaProperty{"id": {Type: "string"}}, "id"),
	}, echoInvoke)
	if err != nil {
		t.Fatalf("new entry: %v", err)
	}
	if err := strict.ValidateArgs(nil); err == nil {
		t.Fatal("nil args should fail a schema with required properties")
	}
}

func TestNewEntryRejectsBadInput(t *testing.T) {
	if _, err := NewEntry(Descriptor{}, echoInvoke); err == nil {
		t.Fatal("nameless descriptor accepted")
	}
	if _, err := NewEntry(Descriptor{Name: "x"}, nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}

func TestCatalogSourcesAndLookup(t *testing.T) {
	c := New(nil)
	defer c.Close()
	ctx := t.Context()

	a := mustEntry(t, "alpha")
	b := mustEntry(t, "beta")
	if changed := c.SetSource(ctx, StaticSource, []*Entry{a, b}); !changed {
		t.Fatal("first SetSource should report change")
	}
	if changed := c.SetSource(ctx, StaticSource, []*Entry{mustEntry(t, "alpha"), mustEntry(t, "beta")}); changed {
		t.Fatal("same names should not report change")
	}

	got, err := c.Lookup("alpha")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "alpha" {
		t.Fatalf("want alpha, got %s", got.Name)
	}
	if _, err := c.Lookup("missing"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("want ErrUnknownTool, got %v", err)
	}

	// Second source appends after the first; duplicates lose to the earlier
	// source.
	c.SetSource(ctx, CMSSource, []*Entry{mustEntry(t, "gamma"), mustEntry(t, "alpha")})
	tools := c.Tools()
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(names) != len(want) {
		t.Fatalf("want %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("want %v, got %v", want, names)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("want 3 tools, got %d", c.Len())
	}
}

func TestCatalogNotifiesOnChange(t *testing.T) {
	c := New(nil)
	defer c.Close()
	ctx := t.Context()

	sub, cancel := c.Subscriber()
	defer cancel()
	c.SetSource(ctx, StaticSource, []*Entry{mustEntry(t, "alpha")})
	select {
	case <-sub:
	default:
		t.Fatal("expected change signal after new tool")
	}

	// Unchanged swap stays silent.
	c.SetSource(ctx, StaticSource, []*Entry{mustEntry(t, "alpha")})
	select {
	case <-sub:
		t.Fatal("unexpected signal for unchanged tool list")
	default:
	}
}

func TestSetSourceDetectsChangeAgainstPriorState(t *testing.T) {
	c := New(nil)
	defer c.Close()
	ctx := t.Context()

	c.SetSource(ctx, CMSSource, []*Entry{mustEntry(t, "echo")})
	// A refresh rebuilds entries from scratch, so the pointers differ even
	// when the advertised list is identical.
	if changed := c.SetSource(ctx, CMSSource, []*Entry{mustEntry(t, "echo")}); changed {
		t.Fatal("identical refreshed tool list reported as changed")
	}
	if changed := c.SetSource(ctx, CMSSource, []*Entry{mustEntry(t, "echo"), mustEntry(t, "publish")}); !changed {
		t.Fatal("grown tool list not reported as changed")
	}
}

func TestSubscriberCancelDeregisters(t *testing.T) {
	c := New(nil)
	defer c.Close()
	ctx := t.Context()

	sub1, cancel1 := c.Subscriber()
	_, cancel2 := c.Subscriber()
	if got := c.Subscribers(); got != 2 {
		t.Fatalf("want 2 subscribers, got %d", got)
	}

	cancel1()
	cancel1()
	cancel2()
	if got := c.Subscribers(); got != 0 {
		t.Fatalf("want 0 subscribers after cancel, got %d", got)
	}
	if _, open := <-sub1; open {
		t.Fatal("canceled subscriber channel should be closed")
	}

	// Catalog changes after cancellation reach nobody and do not panic.
	c.SetSource(ctx, StaticSource, []*Entry{mustEntry(t, "alpha")})
}

func mustEntry(t *testing.T, name string) *Entry {
	t.Helper()
	e, err := NewEntry(Descriptor{Name: name, InputSchema: objSchema(nil)}, echoInvoke)
	if err != nil {
		t.Fatalf("entry %s: %v", name, err)
	}
	return e
}
