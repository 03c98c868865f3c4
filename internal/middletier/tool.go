// Package middletier implements the realtime middle-tier proxy: the
// bidirectional event relay between a client (browser or telephony gateway)
// and an upstream realtime model endpoint, including server-side tool
// interception and dialect translation.
package middletier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolResultDirection tags where a ToolResult's payload should be delivered.
type ToolResultDirection int

const (
	// ToServer feeds the result back to the model as function_call_output.
	ToServer ToolResultDirection = iota
	// ToClient surfaces the result to the client UI as a side-channel message.
	// Suppressed entirely on telephony sessions.
	ToClient
)

// ToolResult is the tagged result of a tool invocation.
type ToolResult struct {
	Payload     any
	Destination ToolResultDirection
}

// Text renders the payload as the string representation used for
// function_call_output.output (ToServer) or as the JSON text embedded in
// extension.middle_tier_tool_response (ToClient).
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	if s, ok := r.Payload.(string); ok {
		return s
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprintf("%v", r.Payload)
	}
	return string(data)
}

// ToolFunc is the async target invoked when the model calls a registered tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

// Tool is an immutable pair of a JSON-schema function declaration and the
// target that executes it.
type Tool struct {
	Schema json.RawMessage
	Target ToolFunc
}

// ToolRegistry is a name-keyed table of server-registered tools. Lookups and
// registrations are safe for concurrent use, matching the defensive locking
// style of the teacher's ToolManager even though in RMT the table is
// populated once at startup and read thereafter.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	validators map[string]*jsonschema.Schema
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:      make(map[string]Tool),
		validators: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool under name, overwriting any existing registration. The
// tool's declared "parameters" sub-schema, if present, is compiled
// immediately so a malformed schema fails at startup rather than on the
// first call.
func (r *ToolRegistry) Register(name string, tool Tool) error {
	validator, err := compileParameters(name, tool.Schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if validator != nil {
		r.validators[name] = validator
	} else {
		delete(r.validators, name)
	}
	return nil
}

// compileParameters extracts and compiles the "parameters" field of a
// function-declaration schema, returning a nil validator when the field is
// absent (some tools take no arguments).
func compileParameters(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	var decl struct {
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(schema, &decl); err != nil {
		return nil, fmt.Errorf("middletier: tool %q has invalid schema: %w", name, err)
	}
	if len(decl.Parameters) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(name+"#parameters", string(decl.Parameters))
	if err != nil {
		return nil, fmt.Errorf("middletier: tool %q has invalid parameters schema: %w", name, err)
	}
	return compiled, nil
}

// ValidateArguments checks args against the tool's declared parameters
// schema, if one was registered. Tools with no parameters schema accept any
// arguments.
func (r *ToolRegistry) ValidateArguments(name string, args json.RawMessage) error {
	r.mu.RLock()
	validator := r.validators[name]
	r.mu.RUnlock()
	if validator == nil {
		return nil
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("middletier: tool %q arguments are not valid JSON: %w", name, err)
	}
	if err := validator.Validate(payload); err != nil {
		return fmt.Errorf("middletier: tool %q arguments failed schema validation: %w", name, err)
	}
	return nil
}

// Lookup returns the tool registered under name, if any.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len reports the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas returns the function-declaration schema of every registered tool,
// in the shape the upstream session.tools field expects. Order is not
// significant to the protocol but is sorted by name for deterministic output.
func (r *ToolRegistry) Schemas() []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	schemas := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, r.tools[name].Schema)
	}
	return schemas
}
