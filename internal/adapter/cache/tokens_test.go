package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/domain"
)

func newTestCache(t *testing.T) (*RedisTokenCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisTokenCache(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestTokenCache_SetGetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetToken(ctx, "tok-1", "share-1", time.Hour))
	id, err := c.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "share-1", id)

	require.NoError(t, c.DeleteToken(ctx, "tok-1"))
	_, err = c.GetToken(ctx, "tok-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenCache_Expiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetToken(ctx, "tok-1", "share-1", time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err := c.GetToken(ctx, "tok-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNopTokenCache_AlwaysMisses(t *testing.T) {
	var c NopTokenCache
	ctx := context.Background()
	require.NoError(t, c.SetToken(ctx, "tok", "share", time.Hour))
	_, err := c.GetToken(ctx, "tok")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
