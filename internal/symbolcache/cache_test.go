package symbolcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetCachesWithinTTL(t *testing.T) {
	calls := 0
	cache := New(func(ctx context.Context) ([]SymbolInfo, error) {
		calls++
		return []SymbolInfo{{Symbol: "AAPL", SecurityName: "Apple Inc.", Count: 10}}, nil
	}, time.Minute)

	ctx := context.Background()

	first, err := cache.Get(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "second Get within TTL must not hit the loader")
}

func TestCache_TTLExpiryReloads(t *testing.T) {
	calls := 0
	cache := New(func(ctx context.Context) ([]SymbolInfo, error) {
		calls++
		return []SymbolInfo{{Symbol: "AAPL", Count: int64(calls)}}, nil
	}, 10*time.Millisecond)

	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	symbols, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(2), symbols[0].Count)
}

func TestCache_Invalidate(t *testing.T) {
	calls := 0
	cache := New(func(ctx context.Context) ([]SymbolInfo, error) {
		calls++
		return []SymbolInfo{}, nil
	}, time.Minute)

	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.NoError(t, err)

	cache.Invalidate()

	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "Get after Invalidate must reload")
}

func TestCache_LoaderErrorsAreNotCached(t *testing.T) {
	calls := 0
	cache := New(func(ctx context.Context) ([]SymbolInfo, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("store unavailable")
		}
		return []SymbolInfo{{Symbol: "AAPL"}}, nil
	}, time.Minute)

	ctx := context.Background()

	_, err := cache.Get(ctx)
	require.Error(t, err)

	symbols, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, symbols, 1)
}
