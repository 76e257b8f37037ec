package ledger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func stores(t *testing.T) map[string]Store[item] {
	t.Helper()
	bolt, err := NewBoltStore[item](filepath.Join(t.TempDir(), "nested", "test.db"), "items")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Store[item]{
		"bolt":   bolt,
		"memory": NewInMemoryStore[item](),
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			_, err := s.Get(ctx, "missing")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errdefs.IsNotFound(err))

			require.NoError(t, s.Set(ctx, "a", &item{Name: "a", Count: 1}))
			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, &item{Name: "a", Count: 1}, got)

			require.NoError(t, s.Set(ctx, "a", &item{Name: "a", Count: 2}))
			got, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Count)

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "a"))
			_, err = s.Get(ctx, "a")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_ScanPrefixOrdered(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			for _, k := range []string{"vm/c", "vm/a", "other/x", "vm/b"} {
				require.NoError(t, s.Set(ctx, k, &item{Name: k}))
			}

			var keys []string
			err := s.Scan(ctx, "vm/", func(key string, v *item) error {
				assert.Equal(t, key, v.Name)
				keys = append(keys, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"vm/a", "vm/b", "vm/c"}, keys)
		})
	}
}

func TestStore_ScanStopsOnError(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			require.NoError(t, s.Set(ctx, "a", &item{}))
			require.NoError(t, s.Set(ctx, "b", &item{}))

			calls := 0
			err := s.Scan(ctx, "", func(string, *item) error {
				calls++
				return assert.AnError
			})
			assert.ErrorIs(t, err, assert.AnError)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestBoltStore_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := t.Context()

	first, err := NewBoltStore[item](path, "items")
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "k", &item{Name: "persisted"}))
	require.NoError(t, first.Close())

	second, err := NewBoltStore[item](path, "items")
	require.NoError(t, err)
	got, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}
