package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviders(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := provider.Get(ctx, "p", "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, provider.Put(ctx, "p", "one", []byte("1")))
			require.NoError(t, provider.Put(ctx, "p", "two", []byte("2")))
			require.NoError(t, provider.Put(ctx, "q", "one", []byte("q1")))

			value, ok, err := provider.Get(ctx, "p", "one")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "1", string(value))

			var keys []string
			require.NoError(t, provider.Keys(ctx, "p", func(key string) {
				keys = append(keys, key)
			}))
			assert.ElementsMatch(t, []string{"one", "two"}, keys)

			require.NoError(t, provider.Delete(ctx, "p", "one"))
			require.NoError(t, provider.Delete(ctx, "p", "one"))
			_, ok, _ = provider.Get(ctx, "p", "one")
			assert.False(t, ok)
			value, ok, _ = provider.Get(ctx, "q", "one")
			assert.True(t, ok)
			assert.Equal(t, "q1", string(value))
		})
	}
}

func TestMemCacheQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemCache(10)
	require.NoError(t, m.Put(ctx, "p", "a", make([]byte, 6)))
	assert.ErrorIs(t, m.Put(ctx, "p", "b", make([]byte, 6)), ErrQuotaExceeded)
	// replacing a value only counts the difference
	require.NoError(t, m.Put(ctx, "p", "a", make([]byte, 10)))
	assert.Equal(t, 10, m.Size())
	require.NoError(t, m.Delete(ctx, "p", "a"))
	assert.Zero(t, m.Size())
}
