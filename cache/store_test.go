package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, provider Provider, partitions ...Partition) (*Store, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1700000000, 0)}
	logger := zerolog.Nop()
	s, err := NewStore(StoreConfig{
		Provider:   provider,
		Partitions: partitions,
		Logger:     &logger,
		Now:        c.Now,
	})
	require.NoError(t, err)
	return s, c
}

func providers(t *testing.T) map[string]Provider {
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	level, err := NewLevelDBCache("")
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlite.Close()
		level.Close()
	})
	return map[string]Provider{
		"memory":  NewMemCache(0),
		"sqlite":  sqlite,
		"leveldb": level,
	}
}

func TestEvictsOldestFirst(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := newTestStore(t, provider, Partition{Name: "images", MaxEntries: 2})

			// same clock value for all three, insertion order decides
			require.NoError(t, s.Put(ctx, "images", "a", []byte("A"), nil))
			require.NoError(t, s.Put(ctx, "images", "b", []byte("B"), nil))
			require.NoError(t, s.Put(ctx, "images", "c", []byte("C"), nil))

			keys, err := s.Keys(ctx, "images")
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, keys)

			_, ok, err := s.Get(ctx, "images", "a")
			require.NoError(t, err)
			assert.False(t, ok)

			e, ok, err := s.Get(ctx, "images", "c")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "C", string(e.Payload))
			assert.Equal(t, http.StatusOK, e.Status)
		})
	}
}

func TestCountNeverExceedsMaxEntries(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t, NewMemCache(0), Partition{Name: "api", MaxEntries: 3})
	for i := 0; i < 20; i++ {
		c.Advance(time.Millisecond)
		// rewrite some existing keys as well
		key := fmt.Sprintf("k%d", i%5)
		require.NoError(t, s.Put(ctx, "api", key, []byte(key), nil))
		n, err := s.Len(ctx, "api")
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 3)
	}
}

func TestReplaceDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t, NewMemCache(0), Partition{Name: "docs", MaxEntries: 2})
	require.NoError(t, s.Put(ctx, "docs", "a", []byte("1"), nil))
	c.Advance(time.Second)
	require.NoError(t, s.Put(ctx, "docs", "b", []byte("1"), nil))
	c.Advance(time.Second)
	require.NoError(t, s.Put(ctx, "docs", "a", []byte("2"), nil))

	keys, err := s.Keys(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, keys)
}

func TestGetExpires(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(t, NewMemCache(0), Partition{Name: "api", MaxAge: time.Minute})
	require.NoError(t, s.Put(ctx, "api", "x", []byte("x"), http.Header{"Content-Type": {"application/json"}}))

	c.Advance(time.Minute)
	e, ok, err := s.Get(ctx, "api", "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "application/json", e.Header.Get("Content-Type"))

	c.Advance(time.Second)
	_, ok, err = s.Get(ctx, "api", "x")
	require.NoError(t, err)
	assert.False(t, ok)
	n, _ := s.Len(ctx, "api")
	assert.Zero(t, n)
}

func TestPruneCountThenAge(t *testing.T) {
	ctx := context.Background()
	provider := NewMemCache(0)
	s, c := newTestStore(t, provider, Partition{Name: "static", MaxEntries: 4, MaxAge: time.Hour})
	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Put(ctx, "static", key, []byte(key), nil))
		c.Advance(30 * time.Minute)
	}
	// a: 2h old, b: 1h30, c: 1h, d: 30m
	removed, err := s.Prune(ctx, "static")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	keys, _ := s.Keys(ctx, "static")
	assert.Equal(t, []string{"c", "d"}, keys)
}

func TestPruneShrinksOverfullPartition(t *testing.T) {
	ctx := context.Background()
	provider := NewMemCache(0)
	// entries written by a previous, larger configuration
	big, c := newTestStore(t, provider, Partition{Name: "images"})
	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, big.Put(ctx, "images", key, []byte(key), nil))
		c.Advance(time.Second)
	}

	small, _ := newTestStore(t, provider, Partition{Name: "images", MaxEntries: 1})
	removed, err := small.Prune(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	keys, _ := small.Keys(ctx, "images")
	assert.Equal(t, []string{"d"}, keys)
}

func TestUnknownPartition(t *testing.T) {
	s, _ := newTestStore(t, NewMemCache(0), Partition{Name: "images"})
	err := s.Put(context.Background(), "videos", "a", nil, nil)
	assert.True(t, errors.Is(err, ErrUnknownPartition))
}

func TestQuotaExceededIsWrapped(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemCache(64), Partition{Name: "images"})
	err := s.Put(ctx, "images", "big", make([]byte, 1024), nil)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	n, _ := s.Len(ctx, "images")
	assert.Zero(t, n)
}

func TestPurgeAndInvalidate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, NewMemCache(0), Partition{Name: "a"}, Partition{Name: "b"})
	require.NoError(t, s.Put(ctx, "a", "k", []byte("1"), nil))
	require.NoError(t, s.Put(ctx, "a", "j", []byte("1"), nil))
	require.NoError(t, s.Put(ctx, "b", "k", []byte("1"), nil))

	removed, err := s.Invalidate(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	require.NoError(t, s.Purge(ctx, "a"))
	n, _ := s.Len(ctx, "a")
	assert.Zero(t, n)
}

func TestIndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	provider, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	defer provider.Close()

	first, c := newTestStore(t, provider, Partition{Name: "docs", MaxEntries: 2})
	require.NoError(t, first.Put(ctx, "docs", "old", []byte("1"), nil))
	c.Advance(time.Second)
	require.NoError(t, first.Put(ctx, "docs", "new", []byte("2"), nil))

	second, c2 := newTestStore(t, provider, Partition{Name: "docs", MaxEntries: 2})
	c2.Advance(time.Hour)
	require.NoError(t, second.Put(ctx, "docs", "newest", []byte("3"), nil))
	keys, err := second.Keys(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "newest"}, keys)
}

func TestNewStoreValidates(t *testing.T) {
	_, err := NewStore(StoreConfig{Provider: NewMemCache(0), Partitions: []Partition{{Name: "a"}, {Name: "a"}}})
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{Partitions: []Partition{{Name: "a"}}})
	assert.Error(t, err)
}
