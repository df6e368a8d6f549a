// Package tool is the uniform dispatcher over built-in tools and
// externally-spawned tool servers.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Permission is the operation a tool requires the policy engine to gate.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExec    Permission = "exec"
	PermNetwork Permission = "network"
)

// ErrPathEscape is returned when a tool's path input resolves outside cwd.
var ErrPathEscape = errors.New("tool: path escapes working directory")

// ErrToolFailed is returned when an external tool server reports failure.
var ErrToolFailed = errors.New("tool: execution failed")

// ErrUnknownTool is returned by executeTool for a name with no binding.
var ErrUnknownTool = errors.New("tool: unknown tool")

// Spec describes one callable tool: its name, description, input schema,
// and the permission operation it requires.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Permission  Permission     `json:"permission"`
}

// handler is the internal dispatch target for a bound tool name.
type handler func(ctx context.Context, input map[string]any, cwd string) (map[string]any, error)

// Runtime is the uniform interface the agent step engine depends on: a
// closed set of built-in tools plus an open set of externally-spawned tool
// servers, dispatched by name lookup into a single table.
type Runtime struct {
	mu       sync.RWMutex
	specs    map[string]*Spec
	handlers map[string]handler
	order    []string

	servers []*externalServer
}

// NewRuntime constructs a Runtime with the built-in tool table registered.
// Call AddExternalServer for each configured external tool server, then
// ListToolSpecs to see the combined tool set.
func NewRuntime() *Runtime {
	r := &Runtime{
		specs:    make(map[string]*Spec),
		handlers: make(map[string]handler),
	}
	registerBuiltins(r)
	return r
}

func (r *Runtime) register(spec Spec, h handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = &spec
	r.handlers[spec.Name] = h
	r.order = append(r.order, spec.Name)
}

// ListToolSpecs returns every bound tool, built-in and external, in
// registration order.
func (r *Runtime) ListToolSpecs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.specs[name])
	}
	return out
}

// PermissionFor returns the permission operation intrinsic to a bound tool,
// or "" if name is unbound.
func (r *Runtime) PermissionFor(name string) Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.specs[name]; ok {
		return spec.Permission
	}
	return ""
}

// ExecuteTool dispatches to the bound handler for name. Input-validation and
// execution failures are returned as errors; the agent step engine is
// responsible for folding them into a tool_result{ok:false}.
func (r *Runtime) ExecuteTool(ctx context.Context, name string, input map[string]any, cwd string) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if input == nil {
		input = map[string]any{}
	}
	return h(ctx, input, cwd)
}

// Close terminates every external tool server subprocess concurrently with
// best-effort error suppression and clears the external (mcp.*) tool
// bindings from the table. Idempotent.
func (r *Runtime) Close() error {
	r.mu.Lock()
	servers := r.servers
	r.servers = nil
	kept := r.order[:0]
	for _, name := range r.order {
		if strings.HasPrefix(name, "mcp.") {
			delete(r.specs, name)
			delete(r.handlers, name)
			continue
		}
		kept = append(kept, name)
	}
	r.order = kept
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *externalServer) {
			defer wg.Done()
			_ = s.close()
		}(s)
	}
	wg.Wait()
	return nil
}

// schemaFor generates a JSON Schema document for P via jsonschema-go and
// flattens it to a plain map for storage on a Spec. Falls back to a bare
// object schema if generation fails (P has no exported fields worth
// describing, e.g. struct{}).
func schemaFor[P any]() map[string]any {
	var zero P
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Struct && t.NumField() == 0 {
		return map[string]any{"type": "object"}
	}

	schema, err := jsonschema.For[P](nil)
	if err != nil || schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// decode unmarshals a generic input map into a typed parameter struct via a
// JSON round-trip, the same approach the tool registry this runtime is
// grounded on uses for its generic Register[P].
func decode[P any](input map[string]any) (P, error) {
	var p P
	data, err := json.Marshal(input)
	if err != nil {
		return p, fmt.Errorf("marshal input: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid parameters: %w", err)
	}
	return p, nil
}
