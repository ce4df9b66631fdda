// Package budget aggregates per-node token usage into per-execution and
// per-epic cost ceilings (spec §4.2 step 8 "check_budget"). It supplements
// spec.md, which names the cost fields but leaves the ceiling mechanism
// unspecified; grounded on original_source's test_token_usage.py fixture
// shape and styled after the teacher's common/ratelimit package (config +
// checker, repurposed from request-rate limiting to token/cost ceilings).
package budget

import (
	"context"
	"fmt"

	"github.com/lyzr/flowmesh/internal/state"
)

// Logger matches the ambient logging interface used across internal/.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Limits are the configured ceilings (common/config's Orchestrator section).
type Limits struct {
	MaxTokensPerExecution int
	MaxCostUSDPerExecution float64
	MaxCostUSDPerEpic      float64
}

// EpicCostLookup resolves the running total cost for an epic (episode),
// satisfied by internal/store.Store.EpicCostUSD.
type EpicCostLookup interface {
	EpicCostUSD(ctx context.Context, episodeID string) (float64, error)
}

// Checker evaluates execution state against configured ceilings.
type Checker struct {
	limits Limits
	store  EpicCostLookup
	logger Logger
}

// New creates a budget Checker.
func New(limits Limits, store EpicCostLookup, logger Logger) *Checker {
	return &Checker{limits: limits, store: store, logger: logger}
}

// CheckBudget returns a non-empty reason string when s has exceeded a
// configured ceiling (spec §4.2 step 8: "if it returns a reason string,
// mark execution failed"). An empty string means the execution may
// continue.
func (c *Checker) CheckBudget(ctx context.Context, s *state.State, episodeID string) (string, error) {
	if c.limits.MaxTokensPerExecution > 0 && s.TokenUsage.TotalTokens > c.limits.MaxTokensPerExecution {
		return fmt.Sprintf("execution token budget exceeded: %d > %d", s.TokenUsage.TotalTokens, c.limits.MaxTokensPerExecution), nil
	}
	if c.limits.MaxCostUSDPerExecution > 0 && s.TokenUsage.CostUSD > c.limits.MaxCostUSDPerExecution {
		return fmt.Sprintf("execution cost budget exceeded: $%.4f > $%.4f", s.TokenUsage.CostUSD, c.limits.MaxCostUSDPerExecution), nil
	}
	if c.limits.MaxCostUSDPerEpic > 0 && episodeID != "" {
		total, err := c.store.EpicCostUSD(ctx, episodeID)
		if err != nil {
			c.logger.Warn("budget: epic cost lookup failed, skipping epic check", "episode_id", episodeID, "error", err)
			return "", nil
		}
		if total > c.limits.MaxCostUSDPerEpic {
			return fmt.Sprintf("epic cost budget exceeded: $%.4f > $%.4f", total, c.limits.MaxCostUSDPerEpic), nil
		}
	}
	return "", nil
}
