package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/providers"
)

// Tool is the interface all agent tools implement.
// Execute receives per-turn context values (channel, chat id, workspace)
// through ctx rather than mutable fields, so tools stay safe under
// concurrent tool calls within one iteration.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers the final result of a tool that completes in the
// background after Execute has already returned.
type AsyncCallback func(ctx context.Context, result *Result)

// Registry is a name-keyed catalog of tools. The catalog is populated at
// startup and only changes when MCP servers come and go; Execute may be
// called concurrently.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry. Registering a nil tool, an empty
// name, or a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("registry: nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("registry: tool has empty name")
	}
	if t.Parameters() == nil {
		return fmt.Errorf("registry: tool %s has no parameter schema", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("registry: duplicate tool %s", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register but panics on error. Used during startup wiring
// where a registration failure is a programming bug.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Unregister removes a tool by name. Unknown names are a no-op. Only the
// MCP manager uses this, when a server disconnects or reloads.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderDefs returns tool definitions in the shape LLM providers expect.
// Parameter schemas are forwarded verbatim.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a tool by name. Unknown tools and panics inside a tool are
// converted into error results so a single bad call never aborts the turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("Error: unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("Error: tool %s crashed: %v", name, rec))
		}
	}()

	res := t.Execute(ctx, args)
	if res == nil {
		return ErrorResult(fmt.Sprintf("Error: tool %s returned no result", name))
	}
	return res
}

// Clone builds a new registry with a subset of the tools, skipping the
// named ones. Used to hand subagents a catalog without spawn/cron access.
func (r *Registry) Clone(deny ...string) *Registry {
	denied := make(map[string]bool, len(deny))
	for _, d := range deny {
		denied[d] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for _, name := range r.order {
		if denied[name] {
			continue
		}
		out.tools[name] = r.tools[name]
		out.order = append(out.order, name)
	}
	return out
}

// SortedNames returns tool names alphabetically, used by diagnostics output.
func (r *Registry) SortedNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
