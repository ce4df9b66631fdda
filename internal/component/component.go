// Package component defines the seam spec §1/§6.5 draws around "individual
// node component functions": the orchestrator only ever calls
// fn(ctx, state) -> (result map, err). Concrete components (what agent X
// does) are explicitly out of scope; this package supplies the Factory
// contract plus the built-in http, hitl, switch, loop and subworkflow
// components.
package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/flowmesh/internal/state"
)

// Func is one node's component function (spec §6.5's fn contract). It
// receives a read-only view of state and the node's opaque component
// config, and returns a raw result map for state.ParseNodeResult.
type Func func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error)

// Factory resolves a component_type to its invocable Func. The factory is
// invoked once per worker call (spec §4.2 step 4: "may do expensive
// setup"), so Registry hands back a fresh Func each time rather than a
// cached singleton.
type Factory func() Func

// Registry is the map from component_type to Factory the worker consults.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for componentType, overwriting any previous one.
func (r *Registry) Register(componentType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[componentType] = f
}

// ErrUnknownComponent is returned when the registry has no factory for a
// node's component_type (a permanent, non-retryable error per spec §4.2.2
// — a missing component is a graph-compile defect, not a transient fault).
var ErrUnknownComponent = fmt.Errorf("component: unknown component type")

// Resolve looks up and invokes the factory for componentType, returning a
// fresh Func for this worker call.
func (r *Registry) Resolve(componentType string) (Func, error) {
	r.mu.RLock()
	f, ok := r.factories[componentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, componentType)
	}
	return f(), nil
}
