// Package tools holds the tool registry and the dispatcher that the
// agent runtime drives: argument coercion, loop detection, output
// spilling, and context-budget accounting all live here.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soracode/renga/internal/providers"
)

// Handler executes one tool call. Args are the coerced arguments;
// failures are reported through Result.IsError, not the error return,
// which is reserved for cancellation and other run-fatal conditions.
type Handler func(ctx context.Context, args map[string]interface{}) (*Result, error)

// Descriptor is the explicit declaration a tool author builds: name,
// description, JSON-schema parameters, and the handler closure.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     Handler

	// Parallel marks side-effect-free tools that may run concurrently
	// with other tool calls from the same assistant turn.
	Parallel bool
}

// ObjectSchema builds a JSON-schema object descriptor from property
// definitions and the required name list.
func ObjectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Prop is a shorthand for one schema property.
func Prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

// Registry is a name → descriptor map, loaded per profile.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a tool. Re-registering a name replaces the previous
// descriptor (profile-local tools override base tools that way).
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("tools: descriptor needs a name")
	}
	if d.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	return nil
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs exposes the registry as provider-agnostic tool
// definitions, optionally filtered to an allow set (nil = all).
func (r *Registry) ProviderDefs(allowed map[string]bool) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if allowed != nil && !allowed[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		d := r.tools[name]
		params := d.Parameters
		if params == nil {
			params = ObjectSchema(map[string]interface{}{})
		}
		defs = append(defs, providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return defs
}
