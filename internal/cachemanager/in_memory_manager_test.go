package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoKey string

type outcome struct {
	Matched bool
	Rule    string
}

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	})
}

func TestInMemoryCacheManager_GetMissing(t *testing.T) {
	cache := NewInMemoryCacheManager[memoKey, outcome]("detect", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "0:12")
	require.False(t, ok)
	require.Equal(t, outcome{}, got)
}

func TestInMemoryCacheManager_SetGet_StructType(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[memoKey, outcome]("detect", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "1:40", outcome{Matched: true, Rule: "yesno"}, DefaultExpiration)

	got, ok := cache.Get(ctx, "1:40")
	require.True(t, ok)
	require.Equal(t, outcome{Matched: true, Rule: "yesno"}, got)
	require.Equal(t, 1, cache.Len())
}

func TestInMemoryCacheManager_Expires(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[memoKey, int]("short", time.Millisecond, time.Hour)

	cache.Set(ctx, "k", 7, 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	_, ok := cache.Get(ctx, "k")
	require.False(t, ok)
}

func TestInMemoryCacheManager_GetWithRefresh(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[memoKey, int]("refresh", DefaultExpiration, DefaultCleanupInterval)

	_, ok := cache.GetWithRefresh(ctx, "k", time.Minute)
	require.False(t, ok)

	cache.Set(ctx, "k", 1, 30*time.Millisecond)
	v, ok := cache.GetWithRefresh(ctx, "k", time.Minute)
	require.True(t, ok)
	require.Equal(t, 1, v)

	time.Sleep(50 * time.Millisecond)
	_, ok = cache.Get(ctx, "k")
	require.True(t, ok, "refresh extends the ttl")
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[memoKey, int]("del", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "a", 1, DefaultExpiration)
	cache.Set(ctx, "b", 2, DefaultExpiration)
	cache.Set(ctx, "c", 3, DefaultExpiration)

	require.NoError(t, cache.Delete(ctx, "a", "b"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	require.Equal(t, 1, cache.Len())

	require.NoError(t, cache.Flush(ctx))
	require.Zero(t, cache.Len())
}
