package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sducournau/filtermate-go/layer"
)

// Constructor builds one backend handle. Constructors may fail (driver not
// loadable, connection refused); the factory then walks the fallback chain.
type Constructor func(ctx context.Context) (Backend, error)

// fallbackOrder is the fixed priority tried when a preferred backend cannot
// be built.
var fallbackOrder = []Kind{KindRelational, KindGenericDriver}

// Factory resolves layers to backend handles, caching one handle per kind
// for the session. Safe for concurrent use.
type Factory struct {
	policy       *SelectionPolicy
	constructors map[Kind]Constructor
	logger       *slog.Logger

	mu    sync.Mutex
	cache map[Kind]Backend
}

// NewFactory creates a factory over the given constructors.
func NewFactory(policy *SelectionPolicy, constructors map[Kind]Constructor, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		policy:       policy,
		constructors: constructors,
		logger:       logger,
		cache:        make(map[Kind]Backend),
	}
}

// Get returns the backend handle serving the layer, constructing and caching
// it on first use. When the preferred kind cannot be built the fixed
// fallback order is tried; if nothing is instantiable the request fails with
// ErrNoBackend.
func (f *Factory) Get(ctx context.Context, d *layer.Descriptor, forced Kind) (Backend, error) {
	kind := f.policy.Select(d, forced)

	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.cache[kind]; ok {
		return b, nil
	}

	b, err := f.construct(ctx, kind)
	if err == nil {
		f.cache[kind] = b
		return b, nil
	}
	f.logger.Warn("backend construction failed, trying fallbacks",
		"kind", kind, "layer", d.ID, "error", err)

	for _, fb := range fallbackOrder {
		if fb == kind {
			continue
		}
		if b, ok := f.cache[fb]; ok {
			return b, nil
		}
		b, ferr := f.construct(ctx, fb)
		if ferr != nil {
			f.logger.Warn("fallback backend construction failed",
				"kind", fb, "error", ferr)
			continue
		}
		f.cache[fb] = b
		return b, nil
	}

	return nil, fmt.Errorf("%w: preferred %s: %v", ErrNoBackend, kind, err)
}

func (f *Factory) construct(ctx context.Context, kind Kind) (Backend, error) {
	ctor, ok := f.constructors[kind]
	if !ok {
		return nil, fmt.Errorf("no constructor registered for backend kind %s", kind)
	}
	return ctor(ctx)
}

// Cleanup releases every cached handle, logging and continuing past
// per-handle failures. The factory is reusable afterwards.
func (f *Factory) Cleanup(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for kind, b := range f.cache {
		if err := b.Cleanup(ctx); err != nil {
			f.logger.Warn("backend cleanup failed", "kind", kind, "error", err)
		}
		delete(f.cache, kind)
	}
}
