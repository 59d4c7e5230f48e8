package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestAllowWithinQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	key := Key("generation", KindUser, "u1")

	for i := 1; i <= 2; i++ {
		d, err := limiter.Allow(ctx, key, 2, time.Second)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i), d.Count)
	}
}

func TestRejectsOverQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	key := Key("generation", KindUser, "u1")

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, key, 2, time.Second)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, key, 2, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(3), d.Count)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Second)
}

func TestWindowResetAdmitsAgain(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	key := Key("generation", KindAnon, "203.0.113.7")

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, key, 2, time.Second)
		require.NoError(t, err)
	}

	mr.FastForward(1100 * time.Millisecond)

	d, err := limiter.Allow(ctx, key, 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "expired window must reset the counter")
	assert.Equal(t, int64(1), d.Count)
}

func TestIdentitiesCountedSeparately(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, Key("generation", KindUser, "u1"), 1, time.Second)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, Key("generation", KindUser, "u1"), 1, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = limiter.Allow(ctx, Key("generation", KindUser, "u2"), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "distinct identities must not share a counter")
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "ratelimit:generation:user:u1", Key("generation", KindUser, "u1"))
	assert.Equal(t, "ratelimit:default:global:svc", Key("default", KindGlobal, "svc"))
}
