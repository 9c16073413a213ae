package workflow

import (
	"context"
	"sort"
	"sync"
)

// Handler executes a single block against the run context and returns the
// deltas to apply. Handlers must respect ctx cancellation on blocking I/O.
type Handler func(ctx context.Context, block *Block, wctx *Context) (*BlockResult, error)

// Registry is the dispatch table from block type to handler. Registration is
// explicit; the interpreter treats a missing entry as a fatal run error, never
// a silent skip.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a block type, replacing any previous binding.
func (r *Registry) Register(blockType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[blockType] = h
}

// Handler returns the handler for a block type.
func (r *Registry) Handler(blockType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[blockType]
	return h, ok
}

// Types returns the registered block types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
