package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/martinemde/brandlens/llmcore"
)

// Handler executes one tool call and returns the content sent back to the
// model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition llmcore.ToolDefinition
	Handler    Handler
}

// Registry manages tool registration and lookup.
type Registry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns every tool definition sorted by name, so requests are
// stable across calls.
func (r *Registry) Definitions() []llmcore.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llmcore.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// SchemaFor reflects the JSON Schema of T into the map form tool
// definitions carry.
func SchemaFor[T any]() (map[string]any, error) {
	var zero T
	schema := reflector.Reflect(&zero)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// NewTypedTool builds a tool whose parameters are the JSON Schema of T.
// Arguments are decoded into T before fn runs.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (Tool, error) {
	params, err := SchemaFor[T]()
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return Tool{
		Definition: llmcore.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			var typed T
			if err := DecodeArguments(args, &typed); err != nil {
				return "", err
			}
			return fn(ctx, typed)
		},
	}, nil
}

// DecodeArguments converts parsed tool arguments into v.
func DecodeArguments(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

// GetStringArg extracts a string argument.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument.
func GetIntArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument.
func GetBoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
