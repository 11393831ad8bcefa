// Package actionbroker implements the capability registry and invocation
// surface: providers register capabilities, callers invoke them by name
// with a bounded timeout, optional idempotency caching, and a uniform
// error taxonomy.
package actionbroker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// Provider handles an ActionCall dispatched for one registered capability.
// A returned *ProviderError carries a structured code and retryability
// hint; any other non-nil error is mapped to status error with code
// "tool_error". A panic during Invoke is recovered and mapped the same way.
type Provider interface {
	Invoke(ctx context.Context, call *wire.ActionCall) ([]byte, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, call *wire.ActionCall) ([]byte, error)

func (f ProviderFunc) Invoke(ctx context.Context, call *wire.ActionCall) ([]byte, error) {
	return f(ctx, call)
}

// ProviderError is the structured error a Provider returns to control the
// ActionResult's error code and retryable hint.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string { return e.Code + ": " + e.Message }

type registration struct {
	descriptor  wire.CapabilityDescriptor
	schema      *gojsonschema.Schema
	provider    Provider
	concurrency int
	sem         chan struct{}
}

// registry is the capability registry half of the broker: register,
// lookup-by-name (newest version wins), and list.
type registry struct {
	mu    sync.RWMutex
	byKey map[capabilityKey]*registration
	// latest tracks, per capability name, the key of the most recently
	// registered version — lookup by name alone resolves through this.
	latest map[string]capabilityKey
}

type capabilityKey struct {
	name    string
	version string
}

func newRegistry() *registry {
	return &registry{
		byKey:  make(map[capabilityKey]*registration),
		latest: make(map[string]capabilityKey),
	}
}

// register adds a capability, replacing any existing registration sharing
// (name, version). concurrency bounds concurrent invocations for this
// capability; a value <= 0 falls back to DefaultConcurrency.
func (r *registry) register(d wire.CapabilityDescriptor, p Provider, concurrency int) (*registration, bool, error) {
	if d.Name == "" {
		return nil, false, fmt.Errorf("actionbroker: capability name must not be empty")
	}
	var schema *gojsonschema.Schema
	if len(d.ParamSchema) > 0 {
		loaded, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.ParamSchema))
		if err != nil {
			return nil, false, fmt.Errorf("actionbroker: invalid parameter schema for %s: %w", d.Name, err)
		}
		schema = loaded
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	reg := &registration{
		descriptor:  d,
		schema:      schema,
		provider:    p,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
	}

	key := capabilityKey{name: d.Name, version: d.Version}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.byKey[key]
	r.byKey[key] = reg
	r.latest[d.Name] = key
	return reg, replaced, nil
}

// resolve finds the registration for (name, version). An empty version
// resolves to the most recently registered version for that name.
func (r *registry) resolve(name, version string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == "" {
		key, ok := r.latest[name]
		if !ok {
			return nil, false
		}
		reg, ok := r.byKey[key]
		return reg, ok
	}
	reg, ok := r.byKey[capabilityKey{name: name, version: version}]
	return reg, ok
}

// list returns every registered capability descriptor, ordered by name then
// version for stable output.
func (r *registry) list() []wire.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]wire.CapabilityDescriptor, 0, len(r.byKey))
	for _, reg := range r.byKey {
		out = append(out, reg.descriptor)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}
