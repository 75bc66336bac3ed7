// Package tools implements the tool catalog: definitions with JSON-schema
// parameters and routing metadata, a registration-ordered registry, and
// resolution of CLI command lines to tool invocations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Meta flags decide where and for whom a tool may run.
type Meta struct {
	// RequiresHostExecution forces execution in the host process
	// (credentials, signals, container control).
	RequiresHostExecution bool

	// HumanOnly hides the tool from the LLM; only the CLI path may call it.
	HumanOnly bool

	// LocalCommand executes on the host even when a session is current.
	LocalCommand bool
}

// Invocation carries everything one tool execution needs.
type Invocation struct {
	SessionID  int
	ToolCallID string

	// Args are the decoded call arguments.
	Args map[string]any

	// Options are per-session overrides from the session's tool grant.
	Options map[string]string

	// State is the phase state a previous RUNNING outcome returned.
	State map[string]any

	// External is data injected between invocations (approval choice,
	// question answer).
	External map[string]any
}

// Handler executes a tool. Errors are expressed through the Outcome; a
// handler never panics across this boundary.
type Handler func(ctx context.Context, inv *Invocation) Outcome

// AliasMatch is a successful alias resolution: the canonical tool name, the
// parsed arguments, and optionally the session the command targets.
type AliasMatch struct {
	Name      string
	Args      map[string]any
	SessionID int
}

// Definition declares one tool.
type Definition struct {
	// Name is the canonical plugin__area__action identifier.
	Name        string
	Description string

	// Parameters is the JSON-schema for Args.
	Parameters json.RawMessage

	// Positional names the parameters CLI tokens bind to, in order. The
	// last positional consumes the remaining tokens joined by spaces.
	Positional []string

	Meta Meta

	// Alias, when set, may claim a CLI argv before canonical resolution.
	Alias func(argv []string) (AliasMatch, bool)

	Execute Handler

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// ValidateArgs checks raw call arguments against the tool's parameter
// schema. Tools without a schema accept anything.
func (d *Definition) ValidateArgs(raw json.RawMessage) error {
	if len(d.Parameters) == 0 {
		return nil
	}
	d.compileOnce.Do(func() {
		d.compiled, d.compileErr = jsonschema.CompileString(d.Name+".json", string(d.Parameters))
	})
	if d.compileErr != nil {
		return fmt.Errorf("tool %s: bad parameter schema: %w", d.Name, d.compileErr)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", d.Name, err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return fmt.Errorf("tool %s: %w", d.Name, err)
	}
	return nil
}

// SchemaFor derives a JSON schema from a Go argument struct. Used by the
// builtin tools so parameter schemas stay next to their decode targets.
func SchemaFor(v any) json.RawMessage {
	r := invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// Registry holds tool definitions in registration order. Registration
// happens during the deterministic boot phase; lookups run concurrently
// afterwards.
type Registry struct {
	mu    sync.RWMutex
	order []string
	defs  map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a tool. Re-registering a name replaces the definition but
// keeps its original position in alias-resolution order.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.defs[d.Name] = d
}

// Get returns the definition for a canonical name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns the canonical names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
