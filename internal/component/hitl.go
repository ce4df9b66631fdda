package component

import (
	"context"
	"strings"

	"github.com/lyzr/flowmesh/internal/state"
)

// NewHITLFactory builds the "hitl" component: a node whose
// interrupt_before flag (topology.Node.InterruptBefore) makes the
// scheduler suspend before ever calling this function. This Func only
// runs on the resumed attempt, when state.ResumeInput carries the
// operator's reply (spec §4.1 resume_node, §8 scenario 6), generalized
// from the teacher's HITLWorker approve/reject decision.
func NewHITLFactory() Factory {
	return func() Func {
		return func(ctx context.Context, s *state.State, config map[string]interface{}) (map[string]interface{}, error) {
			input := strings.ToLower(strings.TrimSpace(s.ResumeInput))
			switch input {
			case "yes", "y", "approve", "confirm", "confirmed":
				return map[string]interface{}{"_route": "confirmed", "confirmed": true}, nil
			default:
				return map[string]interface{}{"_route": "cancelled", "confirmed": false}, nil
			}
		}
	}
}
