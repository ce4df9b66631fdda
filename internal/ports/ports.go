// Package ports defines the interfaces spec.md §1 draws around the
// orchestrator's out-of-scope collaborators: the graph compiler, the
// trigger dispatcher, and the node component-config store. The
// orchestrator core depends only on these shapes; concrete
// implementations live outside this module in production (a separate
// compiler service, a relational component-config store) and are supplied
// here only as the seam the scheduler/worker call through.
package ports

import (
	"context"

	"github.com/lyzr/flowmesh/internal/topology"
)

// TopologyBuilder compiles a workflow + chosen trigger into the immutable
// per-execution Topology (spec.md §1 "graph compiler", §3.4, §4.1 step 3).
type TopologyBuilder interface {
	Build(ctx context.Context, workflowID string, triggerNodeID *string) (*topology.Topology, error)
}

// ConfigLoader resolves a node's opaque component_config_id to the config
// map a component.Func receives (spec.md §4.2 step 4).
type ConfigLoader interface {
	LoadNodeConfig(ctx context.Context, workflowID, nodeID, componentConfigID string) (map[string]interface{}, error)
}

// Dispatcher matches an inbound trigger payload to a target workflow's
// trigger node for sub-workflow "explicit" mode (spec.md §4.5).
type Dispatcher interface {
	MatchTrigger(ctx context.Context, workflowSlug string, payload interface{}) (triggerNodeID string, err error)
}
