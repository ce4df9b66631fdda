package component

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowmesh/internal/condition"
	"github.com/lyzr/flowmesh/internal/state"
)

func TestSwitchFactory_RoutesToMatchingRule(t *testing.T) {
	fn := NewSwitchFactory()()
	s := state.New("exec-1", nil, "user-1")
	s.NodeOutputs["classify"] = map[string]interface{}{"category": "refund"}

	config := map[string]interface{}{
		"rules": []map[string]interface{}{
			{"id": "refund_rule", "field": "node_outputs.classify.category", "operator": condition.OpEquals, "value": "refund"},
			{"id": "other_rule", "field": "node_outputs.classify.category", "operator": condition.OpEquals, "value": "other"},
		},
	}

	result, err := fn(context.Background(), s, config)
	require.NoError(t, err)
	assert.Equal(t, "refund_rule", result["_route"])
}

func TestSwitchFactory_FallbackWhenNoMatch(t *testing.T) {
	fn := NewSwitchFactory()()
	s := state.New("exec-1", nil, "user-1")

	config := map[string]interface{}{
		"rules":           []map[string]interface{}{{"id": "r1", "field": "route", "operator": condition.OpEquals, "value": "x"}},
		"enable_fallback": true,
	}

	result, err := fn(context.Background(), s, config)
	require.NoError(t, err)
	assert.Equal(t, "__other__", result["_route"])
}

func TestSwitchFactory_NoMatchNoFallbackIsEmptyRouteSink(t *testing.T) {
	fn := NewSwitchFactory()()
	s := state.New("exec-1", nil, "user-1")

	config := map[string]interface{}{
		"rules": []map[string]interface{}{{"id": "r1", "field": "route", "operator": condition.OpEquals, "value": "x"}},
	}

	result, err := fn(context.Background(), s, config)
	require.NoError(t, err)
	assert.Equal(t, "", result["_route"], "an unmatched switch with fallback disabled is a sink, not a failure")
}
