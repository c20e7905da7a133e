// Package toolloop executes model-requested tool calls and resubmits the
// extended conversation until the model answers without calling a tool.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/n0madic/go-chatdispatch/internal/normalize"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

// Executor runs tools on the model's behalf. Results are opaque content
// blocks.
type Executor interface {
	ListTools(ctx context.Context) ([]types.ToolDescriptor, error)
	CallTool(ctx context.Context, name, argsJSON string) ([]types.ContentBlock, error)
}

var (
	// ErrUnknownTool is reported to the model when it calls a tool nobody
	// registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrMalformedArguments is reported when call arguments are not JSON.
	ErrMalformedArguments = errors.New("tool arguments are not valid JSON")
)

type entry struct {
	desc types.ToolDescriptor
	exec Executor
}

// Registry maps tool names to executors. Each call owns its own registry,
// so concurrent calls never see each other's tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register lists the executor's tools and adds each of them. A tool name
// that is already registered keeps its first executor.
func (r *Registry) Register(ctx context.Context, exec Executor) error {
	descs, err := exec.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	for _, d := range normalize.Tools(descs) {
		r.Add(d, exec)
	}
	return nil
}

// Add registers a single tool.
func (r *Registry) Add(desc types.ToolDescriptor, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[desc.Name]; ok {
		return
	}
	r.tools[desc.Name] = entry{desc: desc, exec: exec}
	r.order = append(r.order, desc.Name)
}

// Lookup returns the executor for a tool name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.exec, ok
}

// Descriptors returns the registered tools in registration order.
func (r *Registry) Descriptors() []types.ToolDescriptor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
