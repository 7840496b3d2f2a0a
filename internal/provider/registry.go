package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Registry maps model ids onto backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Provider
	logger   *logging.Logger
}

// NewRegistry creates an empty registry. A nil logger is replaced with a nop.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		backends: make(map[string]Provider),
		logger:   logger,
	}
}

// Register adds a backend under a name usable as a model-id prefix.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = p
}

// Backends returns registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns one backend by name.
func (r *Registry) Backend(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.backends[name]
	return p, ok
}

// Resolve picks the backend for a model id and returns the bare model id with
// any backend prefix stripped.
//
// "claude/claude-sonnet-4-5" resolves explicitly; "claude-sonnet-4-5" walks
// the backends in sorted order and matches against their catalogs, so
// resolution is deterministic.
func (r *Registry) Resolve(ctx context.Context, model string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if backend, rest, found := strings.Cut(model, "/"); found {
		p, ok := r.backends[backend]
		if !ok {
			return nil, "", fmt.Errorf("%w: %q in model %q", ErrUnknownBackend, backend, model)
		}
		bare, err := r.ensureStripped(ctx, rest)
		if err != nil {
			return nil, "", err
		}
		return p, bare, nil
	}

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, def := range r.backends[name].AvailableModels() {
			if def.Matches(model) {
				return r.backends[name], model, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// ensureStripped rejects a model id that still carries a backend prefix.
// Reaching this means a caller built a doubly-prefixed id; surfacing it loudly
// beats handing a mangled model id to the backend.
func (r *Registry) ensureStripped(ctx context.Context, model string) (string, error) {
	if backend, _, found := strings.Cut(model, "/"); found {
		if _, ok := r.backends[backend]; ok {
			r.logger.DPanic(ctx, "backend prefix leaked into bare model id",
				zap.String("model", model),
			)
			return "", fmt.Errorf("%w: prefix leaked into model id %q", ErrUnknownModel, model)
		}
	}
	return model, nil
}
