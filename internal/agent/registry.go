// Package agent runs the tool-calling conversation loop: it streams model
// output, maps chunks onto the public event stream, executes requested tools,
// and feeds results back to the model for the next round.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chattyhq/chatty/internal/llm"
)

// ErrToolNotFound reports an Execute call naming a tool that was never
// registered.
var ErrToolNotFound = errors.New("tool not found")

const defaultToolTimeout = 30 * time.Second

// Tool is one callable capability exposed to the model. Execute receives
// arguments already validated against Schema.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (string, error)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry manages tools with thread-safe registration, lookup, and bounded
// execution. Each tool's schema is compiled once at registration so Execute
// can validate arguments on the hot path.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	timeout time.Duration
}

// NewRegistry creates an empty registry. toolTimeout bounds each Execute;
// zero means 30 seconds.
func NewRegistry(toolTimeout time.Duration) *Registry {
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		timeout: toolTimeout,
	}
}

// Register adds a tool, replacing any previous tool with the same name. It
// fails if the tool's schema does not compile.
func (r *Registry) Register(tool Tool) error {
	compiled, err := jsonschema.CompileString(tool.Name()+".json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compiling schema for tool %s: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = &registeredTool{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// List returns definitions for every registered tool, sorted by name so
// bindings are deterministic.
func (r *Registry) List() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Schema:      rt.tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates args against the tool's schema and runs it under the
// registry's per-tool timeout. The tool runs in its own goroutine so a stuck
// tool cannot hold the conversation past the deadline; a result arriving
// after the deadline is discarded.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := rt.schema.Validate(normalizeForValidation(args)); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
	}

	toolCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type execResult struct {
		out string
		err error
	}
	resultCh := make(chan execResult, 1)
	go func() {
		out, err := rt.tool.Execute(toolCtx, args)
		select {
		case resultCh <- execResult{out: out, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tool %s timed out after %v", name, r.timeout)
		}
		return "", toolCtx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("tool %s: %w", name, res.err)
		}
		return res.out, nil
	}
}

// normalizeForValidation round-trips args through JSON so validation always
// sees canonical decoded types, whatever the caller built the map from.
func normalizeForValidation(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}

// ReflectSchema derives a JSON Schema from a tool's argument struct. Fields
// without omitempty become required; unknown keys are tolerated so models
// that pad arguments still validate.
func ReflectSchema(v any) json.RawMessage {
	reflector := &invopop.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}
