package secrets

import (
	"context"
	"sort"
	"sync"

	"github.com/blockflow/blockflow/pkg/errors"
)

// StaticBackend serves a fixed map. Used for org-scoped secrets loaded from
// storage and for tests.
type StaticBackend struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticBackend creates a backend over a copy of values.
func NewStaticBackend(values map[string]string) *StaticBackend {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticBackend{values: copied}
}

// Name implements Backend.
func (s *StaticBackend) Name() string { return "static" }

// Get implements Backend.
func (s *StaticBackend) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", errors.Wrap(ErrNotFound, key)
	}
	return value, nil
}

// Set stores a value.
func (s *StaticBackend) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Available implements Backend.
func (s *StaticBackend) Available() bool { return true }

// Priority implements Backend.
func (s *StaticBackend) Priority() int { return StaticBackendPriority }

var _ Backend = (*StaticBackend)(nil)

// Resolver consults backends in priority order. It backs the $keys scope:
// the orchestrator wraps Resolve in the context's key resolver capability.
type Resolver struct {
	backends []Backend
}

// NewResolver creates a resolver over the given backends, sorted by
// priority.
func NewResolver(backends ...Backend) *Resolver {
	sorted := make([]Backend, len(backends))
	copy(sorted, backends)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Priority() < sorted[b].Priority() })
	return &Resolver{backends: sorted}
}

// DefaultResolver builds the standard chain: environment, OS keychain, then
// the static org store.
func DefaultResolver(static map[string]string) *Resolver {
	return NewResolver(
		NewEnvBackend(""),
		NewKeyringBackend(""),
		NewStaticBackend(static),
	)
}

// Resolve returns the first backend's value for key. Unavailable backends
// are skipped; a miss everywhere is ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	for _, backend := range r.backends {
		if !backend.Available() {
			continue
		}
		value, err := backend.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
			continue
		}
		return "", err
	}
	return "", errors.Wrap(ErrNotFound, key)
}

// KeyFunc adapts the resolver to the engine's key-resolution capability:
// misses and errors both read as "not present".
func (r *Resolver) KeyFunc(ctx context.Context) func(name string) (any, bool) {
	return func(name string) (any, bool) {
		value, err := r.Resolve(ctx, name)
		if err != nil {
			return nil, false
		}
		return value, true
	}
}
