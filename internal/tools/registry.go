package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kexinoh/free-OKC/internal/providers"
	"github.com/kexinoh/free-OKC/internal/spec"
)

// Registry holds the manifest-declared tool specs and their bound
// implementations. Every manifest name starts bound to a stub; sessions
// rebind the names they implement.
type Registry struct {
	mu         sync.RWMutex
	specs      map[string]spec.ToolSpec
	order      []string
	validators map[string]*jsonschema.Schema
	impls      map[string]Tool
	defs       []providers.ToolDefinition
}

// NewRegistry compiles every spec's input schema and binds stubs.
func NewRegistry(specs []spec.ToolSpec) (*Registry, error) {
	r := &Registry{
		specs:      make(map[string]spec.ToolSpec, len(specs)),
		validators: make(map[string]*jsonschema.Schema, len(specs)),
		impls:      make(map[string]Tool, len(specs)),
	}
	for _, s := range specs {
		compiled, err := s.CompileInput()
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", s.Name, err)
		}
		r.specs[s.Name] = s
		r.order = append(r.order, s.Name)
		r.validators[s.Name] = compiled
		r.impls[s.Name] = newStub(s.Name)
	}
	return r, nil
}

// Bind attaches an implementation to its manifest entry. Names not in
// the manifest are rejected.
func (r *Registry) Bind(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[tool.Name()]; !ok {
		return fmt.Errorf("tool %q is not declared in the manifest", tool.Name())
	}
	r.impls[tool.Name()] = tool
	r.defs = nil
	return nil
}

// BindAll binds each tool, failing on the first undeclared name.
func (r *Registry) BindAll(tools ...Tool) error {
	for _, tool := range tools {
		if err := r.Bind(tool); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the manifest tool names in manifest order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Spec returns the manifest entry for a name.
func (r *Registry) Spec(name string) (spec.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Call validates arguments against the tool's input schema and runs the
// bound implementation. Unknown names and invalid arguments come back as
// error results, never panics.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	impl, ok := r.impls[name]
	validator := r.validators[name]
	r.mu.RUnlock()

	if !ok {
		return Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if validator != nil {
		if err := validator.Validate(normalise(args)); err != nil {
			return Errorf("invalid arguments for %s: %v", name, err)
		}
	}
	return impl.Execute(ctx, args)
}

// Definitions renders the manifest as provider tool definitions. The
// slice is cached and rebuilt after any rebinding.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defs != nil {
		return r.defs
	}
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		s := r.specs[name]
		params := s.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	r.defs = defs
	return defs
}

// StubNames lists the manifest entries still bound to stubs, sorted.
func (r *Registry) StubNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, impl := range r.impls {
		if _, ok := impl.(*stubTool); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// normalise deep-copies decoded arguments so the validator sees plain
// JSON values.
func normalise(args map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
