package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogger struct{ t *testing.T }

func (l *fakeLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l *fakeLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l *fakeLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l *fakeLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

func newTestLimiter(t *testing.T) *RateLimiter {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, &fakeLogger{t: t})
}

func TestCheckGlobalLimit_AllowsUnderLimit(t *testing.T) {
	r := newTestLimiter(t)

	result, err := r.CheckGlobalLimit(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(1), result.CurrentCount)
	assert.Equal(t, int64(5), result.Limit)
}

func TestCheckUserLimit_BlocksOverLimit(t *testing.T) {
	r := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := r.CheckUserLimit(ctx, "alice", 3, 60)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := r.CheckUserLimit(ctx, "alice", 3, 60)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(4), result.CurrentCount)
	assert.Greater(t, result.RetryAfterSeconds, int64(0))
}

func TestCheckUserLimit_SeparateUsersDoNotShareCounters(t *testing.T) {
	r := newTestLimiter(t)
	ctx := context.Background()

	_, err := r.CheckUserLimit(ctx, "alice", 1, 60)
	require.NoError(t, err)

	result, err := r.CheckUserLimit(ctx, "bob", 1, 60)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "bob's counter must be independent of alice's")
}

func TestCheckTieredLimit_UsesTierSpecificLimit(t *testing.T) {
	r := newTestLimiter(t)
	ctx := context.Background()

	result, err := r.CheckTieredLimit(ctx, "carol", TierHeavy)
	require.NoError(t, err)
	assert.Equal(t, GetLimitForTier(TierHeavy), result.Limit)
}

func TestCheckTieredLimit_TiersDoNotShareCounters(t *testing.T) {
	r := newTestLimiter(t)
	ctx := context.Background()

	limit := GetLimitForTier(TierSimple)
	for i := int64(0); i < limit; i++ {
		result, err := r.CheckTieredLimit(ctx, "dave", TierSimple)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	// Heavy tier for the same user should still be wide open.
	result, err := r.CheckTieredLimit(ctx, "dave", TierHeavy)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestGetCurrentCount_ZeroWhenUnset(t *testing.T) {
	r := newTestLimiter(t)

	count, err := r.GetCurrentCount(context.Background(), "ratelimit:user:nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestResetLimit_ClearsCounter(t *testing.T) {
	r := newTestLimiter(t)
	ctx := context.Background()

	_, err := r.CheckUserLimit(ctx, "erin", 1, 60)
	require.NoError(t, err)

	err = r.ResetLimit(ctx, "ratelimit:user:erin")
	require.NoError(t, err)

	result, err := r.CheckUserLimit(ctx, "erin", 1, 60)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "counter should restart after reset")
}
