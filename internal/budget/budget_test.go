package budget

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowmesh/internal/state"
)

type fakeLogger struct{}

func (fakeLogger) Info(string, ...interface{})  {}
func (fakeLogger) Error(string, ...interface{}) {}
func (fakeLogger) Warn(string, ...interface{})  {}
func (fakeLogger) Debug(string, ...interface{}) {}

type fakeEpicLookup struct {
	cost float64
	err  error
}

func (f fakeEpicLookup) EpicCostUSD(ctx context.Context, episodeID string) (float64, error) {
	return f.cost, f.err
}

func TestCheckBudget_NoLimitsConfigured(t *testing.T) {
	c := New(Limits{}, fakeEpicLookup{}, fakeLogger{})
	s := state.New("exec-1", nil, "user-1")
	s.TokenUsage.TotalTokens = 1_000_000

	reason, err := c.CheckBudget(context.Background(), s, "")
	require.NoError(t, err)
	assert.Empty(t, reason)
}

func TestCheckBudget_TokenCeilingExceeded(t *testing.T) {
	c := New(Limits{MaxTokensPerExecution: 100}, fakeEpicLookup{}, fakeLogger{})
	s := state.New("exec-1", nil, "user-1")
	s.TokenUsage.TotalTokens = 150

	reason, err := c.CheckBudget(context.Background(), s, "")
	require.NoError(t, err)
	assert.Contains(t, reason, "token budget exceeded")
}

func TestCheckBudget_CostCeilingExceeded(t *testing.T) {
	c := New(Limits{MaxCostUSDPerExecution: 1.0}, fakeEpicLookup{}, fakeLogger{})
	s := state.New("exec-1", nil, "user-1")
	s.TokenUsage.CostUSD = 1.5

	reason, err := c.CheckBudget(context.Background(), s, "")
	require.NoError(t, err)
	assert.Contains(t, reason, "execution cost budget exceeded")
}

func TestCheckBudget_EpicCeilingExceeded(t *testing.T) {
	c := New(Limits{MaxCostUSDPerEpic: 10.0}, fakeEpicLookup{cost: 15.0}, fakeLogger{})
	s := state.New("exec-1", nil, "user-1")

	reason, err := c.CheckBudget(context.Background(), s, "episode-1")
	require.NoError(t, err)
	assert.Contains(t, reason, "epic cost budget exceeded")
}

func TestCheckBudget_EpicLookupFailureIsNonFatal(t *testing.T) {
	c := New(Limits{MaxCostUSDPerEpic: 10.0}, fakeEpicLookup{err: errors.New("db down")}, fakeLogger{})
	s := state.New("exec-1", nil, "user-1")

	reason, err := c.CheckBudget(context.Background(), s, "episode-1")
	require.NoError(t, err)
	assert.Empty(t, reason)
}

func TestCheckBudget_EpicCheckSkippedWithoutEpisodeID(t *testing.T) {
	c := New(Limits{MaxCostUSDPerEpic: 10.0}, fakeEpicLookup{cost: 999}, fakeLogger{})
	s := state.New("exec-1", nil, "user-1")

	reason, err := c.CheckBudget(context.Background(), s, "")
	require.NoError(t, err)
	assert.Empty(t, reason)
}
