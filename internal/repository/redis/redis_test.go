package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/repository"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.NewRedisClientFromConn(rdb, zap.NewNop()), mr
}

func TestRateLimitCache_SlidingWindowBoundary(t *testing.T) {
	rc, _ := newTestClient(t)
	limiter := NewRateLimitCache(rc, zap.NewNop())
	ctx := context.Background()

	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	key := "otp:phonehash"

	for i := 0; i < 5; i++ {
		ok, _, err := limiter.Allow(ctx, key, 5, time.Hour, start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok, "issuance %d should be allowed", i+1)
	}

	ok, retry, err := limiter.Allow(ctx, key, 5, time.Hour, start.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Minute, retry)

	// still blocked just before the first issuance leaves the window
	ok, _, err = limiter.Allow(ctx, key, 5, time.Hour, start.Add(59*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = limiter.Allow(ctx, key, 5, time.Hour, start.Add(61*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimitCache_SameInstantIsNotDeduplicated(t *testing.T) {
	rc, _ := newTestClient(t)
	limiter := NewRateLimitCache(rc, zap.NewNop())
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ok, _, err := limiter.Allow(context.Background(), "k", 5, time.Hour, now)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _, err := limiter.Allow(context.Background(), "k", 5, time.Hour, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimitCache_KeysAreIndependent(t *testing.T) {
	rc, _ := newTestClient(t)
	limiter := NewRateLimitCache(rc, zap.NewNop())
	now := time.Now()

	ok, _, err := limiter.Allow(context.Background(), "a", 1, time.Hour, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = limiter.Allow(context.Background(), "b", 1, time.Hour, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateCache_SaveAndClaimOnce(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewStateCache(rc, zap.NewNop())
	ctx := context.Background()

	st := &models.OAuthState{
		State:        "state-abc",
		UserID:       "user-1",
		CodeVerifier: "verifier",
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, cache.Save(ctx, st, 15*time.Minute))
	assert.Equal(t, 15*time.Minute, mr.TTL("oauth_state:state-abc"))

	assert.ErrorIs(t, cache.Save(ctx, st, 15*time.Minute), repository.ErrConflict)

	got, err := cache.Claim(ctx, "state-abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "verifier", got.CodeVerifier)
	assert.Equal(t, "state-abc", got.State)

	_, err = cache.Claim(ctx, "state-abc")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, mr.Exists("oauth_state:state-abc"))
}

func TestStateCache_ConcurrentClaimHasOneWinner(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewStateCache(rc, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, &models.OAuthState{State: "race", UserID: "u", ExpiresAt: time.Now().Add(time.Minute)}, time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Claim(ctx, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStateCache_ExpiredAndUnknown(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewStateCache(rc, zap.NewNop())
	ctx := context.Background()

	_, err := cache.Claim(ctx, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = cache.Claim(ctx, "never-issued")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, cache.Save(ctx, &models.OAuthState{State: "old", UserID: "u", ExpiresAt: time.Now().Add(15 * time.Minute)}, 15*time.Minute))
	mr.FastForward(16 * time.Minute)
	_, err = cache.Claim(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// payload expiry is honoured even if the key outlived it
	cache.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, cache.Save(ctx, &models.OAuthState{State: "late", UserID: "u", ExpiresAt: time.Now().Add(time.Minute)}, time.Hour))
	_, err = cache.Claim(ctx, "late")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOTPCodeCache(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewOTPCodeCache(rc)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "ref-1", "argon2id$1$salt$hash", 5*time.Minute))
	got, err := cache.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "argon2id$1$salt$hash", got)

	require.NoError(t, cache.Delete(ctx, "ref-1"))
	_, err = cache.Get(ctx, "ref-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, cache.Put(ctx, "ref-2", "h", 5*time.Minute))
	mr.FastForward(6 * time.Minute)
	_, err = cache.Get(ctx, "ref-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
