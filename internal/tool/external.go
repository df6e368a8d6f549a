package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/blah-code/daemon/internal/validation"
)

// ServerConfig describes one configured external tool server.
type ServerConfig struct {
	Name    string            `json:"-"`
	Enabled bool              `json:"enabled"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Sandbox string            `json:"sandbox,omitempty"` // "" or "docker"
}

// externalServer wraps one spawned MCP tool-server subprocess: its client
// session and the per-connection call lock required because external
// tool-server clients are single-connection and calls must be serialized.
type externalServer struct {
	name    string
	session *mcpsdk.ClientSession
	mu      sync.Mutex
	tools   map[string]mcpToolInfo // unprefixed tool name -> info
}

type mcpToolInfo struct {
	readOnly bool
	schema   map[string]any
}

// AddExternalServer spawns cfg's subprocess (optionally sandboxed, see
// sandbox.go), performs the MCP handshake, lists its tools, and binds each
// under the composite name "mcp.<server>.<tool>".
func (r *Runtime) AddExternalServer(ctx context.Context, cfg ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := validation.ValidateToolName(cfg.Name); err != nil {
		return fmt.Errorf("external server: %w", err)
	}

	transport, err := newServerTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("external server %s: spawn: %w", cfg.Name, err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "blah-code-daemon",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("external server %s: handshake: %w", cfg.Name, err)
	}

	listResult, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("external server %s: list tools: %w", cfg.Name, err)
	}

	es := &externalServer{
		name:    cfg.Name,
		session: session,
		tools:   make(map[string]mcpToolInfo),
	}

	r.mu.Lock()
	r.servers = append(r.servers, es)
	r.mu.Unlock()

	for _, t := range listResult.Tools {
		readOnly := false
		if t.Annotations != nil && t.Annotations.ReadOnlyHint {
			readOnly = true
		}
		var schema map[string]any
		if data, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(data, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		es.tools[t.Name] = mcpToolInfo{readOnly: readOnly, schema: schema}

		perm := PermExec
		if readOnly {
			perm = PermRead
		}
		compositeName := fmt.Sprintf("mcp.%s.%s", cfg.Name, t.Name)
		r.register(Spec{
			Name:        compositeName,
			Description: t.Description,
			Schema:      schema,
			Permission:  perm,
		}, es.invoke(t.Name))
	}

	return nil
}

// invoke returns a handler that calls toolName (the server's original,
// un-prefixed name) on es, serialized by es.mu since the underlying client
// connection is single-connection.
func (es *externalServer) invoke(toolName string) handler {
	return func(ctx context.Context, input map[string]any, _ string) (map[string]any, error) {
		es.mu.Lock()
		defer es.mu.Unlock()

		if input == nil {
			input = map[string]any{}
		}

		result, err := es.session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: input,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrToolFailed, err)
		}
		if result.IsError {
			return nil, fmt.Errorf("%w: %s", ErrToolFailed, textOf(result))
		}

		if result.StructuredContent != nil {
			var m map[string]any
			data, err := json.Marshal(result.StructuredContent)
			if err == nil {
				if err := json.Unmarshal(data, &m); err == nil {
					return m, nil
				}
			}
		}

		if text := textOf(result); text != "" {
			return map[string]any{"output": text}, nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return map[string]any{"output": ""}, nil
		}
		return map[string]any{"output": string(data)}, nil
	}
}

// textOf concatenates the textual content items of result, JSON-encoding
// any non-text item as a fallback, per the tool runtime's folding rule.
func textOf(result *mcpsdk.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out += tc.Text
			continue
		}
		if data, err := json.Marshal(c); err == nil {
			out += string(data)
		}
	}
	return out
}

func (es *externalServer) close() error {
	return es.session.Close()
}
