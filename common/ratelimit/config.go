package ratelimit

// TierConfig is one tier's execution-start allowance.
type TierConfig struct {
	Tier          WorkflowTier
	Limit         int64 // execution starts allowed per window
	WindowSeconds int
	Description   string
}

// DefaultTierConfigs holds the per-tier allowances. Heavier tiers burn
// more model budget per start, so they get proportionally fewer starts.
var DefaultTierConfigs = map[WorkflowTier]TierConfig{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         100,
		WindowSeconds: 60,
		Description:   "no agent nodes, 100 starts/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "1-2 agent nodes, 20 starts/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "3+ agent nodes, 5 starts/minute",
	},
}

// GetLimitForTier returns the allowance for tier, falling back to the most
// restrictive tier for anything unknown.
func GetLimitForTier(tier WorkflowTier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	return DefaultTierConfigs[TierHeavy].Limit
}

// GetWindowForTier returns the window length in seconds for tier.
func GetWindowForTier(tier WorkflowTier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierHeavy].WindowSeconds
}
