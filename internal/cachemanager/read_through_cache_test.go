package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCacheManager[K ~string, V any] struct {
	mock.Mock
}

func (m *mockCacheManager[K, V]) Get(ctx context.Context, key K) (V, bool) {
	args := m.Called(ctx, key)
	return args.Get(0).(V), args.Bool(1)
}

func (m *mockCacheManager[K, V]) GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(V), args.Bool(1)
}

func (m *mockCacheManager[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	m.Called(ctx, key, value, ttl)
}

func (m *mockCacheManager[K, V]) Delete(ctx context.Context, keys ...K) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *mockCacheManager[K, V]) Flush(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCacheManager[K, V]) Len() int {
	return m.Called().Int(0)
}

func TestReadThroughCache_Get_WithCacheDisabled(t *testing.T) {
	managerMock := &mockCacheManager[memoKey, outcome]{}

	rtc := NewReadThroughCache[memoKey, outcome, string](
		managerMock,
		func(ctx context.Context, input string) (outcome, error) {
			return outcome{Matched: input != ""}, nil
		},
		true,
	)

	got, err := rtc.Get(context.Background(), "k", "text", time.Minute)
	require.NoError(t, err)
	require.True(t, got.Matched)
	managerMock.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestReadThroughCache_Get_Hit(t *testing.T) {
	ctx := context.Background()
	managerMock := &mockCacheManager[memoKey, outcome]{}
	managerMock.On("Get", ctx, memoKey("k")).Return(outcome{Rule: "cached"}, true)

	calls := 0
	rtc := NewReadThroughCache[memoKey, outcome, string](
		managerMock,
		func(ctx context.Context, input string) (outcome, error) {
			calls++
			return outcome{}, nil
		},
		false,
	)

	got, err := rtc.Get(ctx, "k", "text", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "cached", got.Rule)
	require.Zero(t, calls)
	managerMock.AssertExpectations(t)
}

func TestReadThroughCache_Get_MissStoresValue(t *testing.T) {
	ctx := context.Background()
	managerMock := &mockCacheManager[memoKey, outcome]{}
	managerMock.On("Get", ctx, memoKey("k")).Return(outcome{}, false)
	managerMock.On("Set", ctx, memoKey("k"), outcome{Rule: "fresh"}, time.Minute).Return()

	rtc := NewReadThroughCache[memoKey, outcome, string](
		managerMock,
		func(ctx context.Context, input string) (outcome, error) {
			return outcome{Rule: "fresh"}, nil
		},
		false,
	)

	got, err := rtc.Get(ctx, "k", "text", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Rule)
	managerMock.AssertExpectations(t)
}

func TestReadThroughCache_Get_ErrorNotCached(t *testing.T) {
	ctx := context.Background()
	managerMock := &mockCacheManager[memoKey, outcome]{}
	managerMock.On("Get", ctx, memoKey("k")).Return(outcome{}, false)

	boom := errors.New("boom")
	rtc := NewReadThroughCache[memoKey, outcome, string](
		managerMock,
		func(ctx context.Context, input string) (outcome, error) {
			return outcome{}, boom
		},
		false,
	)

	_, err := rtc.Get(ctx, "k", "text", time.Minute)
	require.ErrorIs(t, err, boom)
	managerMock.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReadThroughCache_ResetFlushes(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[memoKey, outcome]("detect", DefaultExpiration, DefaultCleanupInterval)
	rtc := NewReadThroughCache[memoKey, outcome, string](
		cache,
		func(ctx context.Context, input string) (outcome, error) {
			return outcome{Rule: input}, nil
		},
		false,
	)

	_, err := rtc.Get(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	require.NoError(t, rtc.Reset(ctx))
	require.Zero(t, cache.Len())
}
