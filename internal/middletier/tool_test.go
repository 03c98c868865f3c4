package middletier

import (
	"context"
	"encoding/json"
	"testing"
)

func TestToolResult_Text(t *testing.T) {
	tests := []struct {
		name string
		in   *ToolResult
		want string
	}{
		{"nil result", nil, ""},
		{"string payload", &ToolResult{Payload: "plain text"}, "plain text"},
		{"structured payload", &ToolResult{Payload: map[string]any{"sources": []string{"a"}}}, `{"sources":["a"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolRegistry_RegisterLookup(t *testing.T) {
	r := NewToolRegistry()
	if _, ok := r.Lookup("search"); ok {
		t.Fatal("expected empty registry to miss lookup")
	}

	tool := Tool{Schema: json.RawMessage(`{"name":"search"}`)}
	if err := r.Register("search", tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Lookup("search")
	if !ok {
		t.Fatal("expected registered tool to be found")
	}
	if string(got.Schema) != string(tool.Schema) {
		t.Errorf("schema mismatch: got %s", got.Schema)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestToolRegistry_SchemasSortedByName(t *testing.T) {
	r := NewToolRegistry()
	r.Register("search", Tool{Schema: json.RawMessage(`{"name":"search"}`)})
	r.Register("report_grounding", Tool{Schema: json.RawMessage(`{"name":"report_grounding"}`)})

	schemas := r.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("len(schemas) = %d, want 2", len(schemas))
	}
	if string(schemas[0]) != `{"name":"report_grounding"}` {
		t.Errorf("schemas not sorted by name: %v", schemas)
	}
}

func TestSessionConfig_VoiceDefaultsAndUpdates(t *testing.T) {
	cfg := NewSessionConfig()
	if cfg.Voice() != "alloy" {
		t.Errorf("default voice = %q, want alloy", cfg.Voice())
	}
	cfg.SetVoice("shimmer")
	if cfg.Voice() != "shimmer" {
		t.Errorf("voice after SetVoice = %q, want shimmer", cfg.Voice())
	}
	cfg.SetVoice("")
	if cfg.Voice() != "alloy" {
		t.Errorf("empty SetVoice should fall back to alloy, got %q", cfg.Voice())
	}
}

func TestToolRegistry_RejectsMalformedParametersSchema(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register("broken", Tool{Schema: json.RawMessage(`{"name":"broken","parameters":{"type":"nonsense-type"}}`)})
	if err == nil {
		t.Fatal("expected invalid parameters schema to fail at registration")
	}
}

func TestToolRegistry_ValidateArguments(t *testing.T) {
	r := NewToolRegistry()
	schema := json.RawMessage(`{
		"name": "search",
		"parameters": {
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}
	}`)
	if err := r.Register("search", Tool{Schema: schema}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.ValidateArguments("search", json.RawMessage(`{"query":"hello"}`)); err != nil {
		t.Errorf("valid arguments rejected: %v", err)
	}
	if err := r.ValidateArguments("search", json.RawMessage(`{}`)); err == nil {
		t.Error("expected missing required field to fail validation")
	}
	if err := r.ValidateArguments("search", json.RawMessage(`not json`)); err == nil {
		t.Error("expected malformed JSON arguments to fail validation")
	}
	if err := r.ValidateArguments("no-schema-tool", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Errorf("tool with no parameters schema should accept any arguments, got %v", err)
	}
}

func TestToolFunc_ContextPropagation(t *testing.T) {
	type ctxKey struct{}
	var fn ToolFunc = func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
		if ctx.Value(ctxKey{}) != "present" {
			t.Error("expected context value to propagate to tool target")
		}
		return &ToolResult{Payload: "ok"}, nil
	}

	ctx := context.WithValue(context.Background(), ctxKey{}, "present")
	if _, err := fn(ctx, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
