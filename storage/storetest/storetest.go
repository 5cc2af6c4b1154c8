// Package storetest holds the conformance suite shared by storage.Store
// implementations. Each store package calls Run from its own tests with a
// factory that builds a fresh empty store per subtest.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstep/meshrpc/storage"
)

// Factory returns an empty store for one subtest. Cleanup belongs to the
// factory; register Close with t.Cleanup.
type Factory func(t *testing.T) storage.Store

// Run exercises the storage.Store contract against stores built by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("get absent key", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(ctx, []byte("missing"))
		require.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("put get round trip", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("thread/1"), []byte(`{"topic":"billing"}`)))
		v, err := s.Get(ctx, []byte("thread/1"))
		require.NoError(t, err)
		assert.Equal(t, `{"topic":"billing"}`, string(v))
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("one")))
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("two")))
		v, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(v))
	})

	t.Run("put isolates the caller's buffer", func(t *testing.T) {
		s := factory(t)
		buf := []byte("original")
		require.NoError(t, s.Put(ctx, []byte("k"), buf))
		copy(buf, "XXXXXXXX")
		v, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "original", string(v))
	})

	t.Run("get returns a copy", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("original")))
		v, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		copy(v, "XXXXXXXX")
		again, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "original", string(again))
	})

	t.Run("delete removes key", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
		require.NoError(t, s.Delete(ctx, []byte("k")))
		_, err := s.Get(ctx, []byte("k"))
		require.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("delete absent key is a no-op", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Delete(ctx, []byte("never-written")))
	})

	t.Run("scan walks prefix in key order", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("thread/2"), []byte("b")))
		require.NoError(t, s.Put(ctx, []byte("thread/1"), []byte("a")))
		require.NoError(t, s.Put(ctx, []byte("memo/1"), []byte("m")))
		require.NoError(t, s.Put(ctx, []byte("thread/10"), []byte("c")))

		var keys, values []string
		err := s.Scan(ctx, []byte("thread/"), func(k, v []byte) error {
			keys = append(keys, string(k))
			values = append(values, string(v))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"thread/1", "thread/10", "thread/2"}, keys)
		assert.Equal(t, []string{"a", "c", "b"}, values)
	})

	t.Run("scan with empty prefix walks everything", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("b"), []byte("2")))
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))

		var keys []string
		err := s.Scan(ctx, nil, func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)
	})

	t.Run("scan stops early on ErrStop", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
		require.NoError(t, s.Put(ctx, []byte("b"), []byte("2")))

		visits := 0
		err := s.Scan(ctx, nil, func(_, _ []byte) error {
			visits++
			return storage.ErrStop
		})
		require.NoError(t, err)
		assert.Equal(t, 1, visits)
	})

	t.Run("scan surfaces callback errors", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))

		boom := errors.New("walk failed")
		err := s.Scan(ctx, nil, func(_, _ []byte) error { return boom })
		require.ErrorIs(t, err, boom)
	})

	t.Run("scan honors context cancellation", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))

		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.Scan(canceled, nil, func(_, _ []byte) error { return nil })
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("index lookup finds members in key order", func(t *testing.T) {
		s := factory(t)
		owner := func(name string) storage.IndexEntry {
			return storage.IndexEntry{Name: "owner", Value: []byte(name)}
		}
		require.NoError(t, s.Put(ctx, []byte("thread/3"), []byte("c"), owner("alice")))
		require.NoError(t, s.Put(ctx, []byte("thread/1"), []byte("a"), owner("alice")))
		require.NoError(t, s.Put(ctx, []byte("thread/2"), []byte("b"), owner("bob")))

		assert.Equal(t, []string{"thread/1", "thread/3"}, collectIndex(t, s, "owner", "alice"))
		assert.Equal(t, []string{"thread/2"}, collectIndex(t, s, "owner", "bob"))
	})

	t.Run("put replaces the key's index entries", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v"),
			storage.IndexEntry{Name: "owner", Value: []byte("alice")}))
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v"),
			storage.IndexEntry{Name: "owner", Value: []byte("bob")}))

		assert.Empty(t, collectIndex(t, s, "owner", "alice"))
		assert.Equal(t, []string{"k"}, collectIndex(t, s, "owner", "bob"))

		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
		assert.Empty(t, collectIndex(t, s, "owner", "bob"))
	})

	t.Run("delete cleans index entries", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v"),
			storage.IndexEntry{Name: "group", Value: []byte("math")}))
		require.NoError(t, s.Delete(ctx, []byte("k")))
		assert.Empty(t, collectIndex(t, s, "group", "math"))
	})

	t.Run("index lookup on unknown index is empty", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
		assert.Empty(t, collectIndex(t, s, "owner", "alice"))
	})

	t.Run("index lookup stops early on ErrStop", func(t *testing.T) {
		s := factory(t)
		entry := storage.IndexEntry{Name: "owner", Value: []byte("alice")}
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1"), entry))
		require.NoError(t, s.Put(ctx, []byte("b"), []byte("2"), entry))

		visits := 0
		err := s.ByIndex(ctx, "owner", []byte("alice"), func(_, _ []byte) error {
			visits++
			return storage.ErrStop
		})
		require.NoError(t, err)
		assert.Equal(t, 1, visits)
	})

	t.Run("one key under several indexes", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Put(ctx, []byte("thread/1"), []byte("v"),
			storage.IndexEntry{Name: "owner", Value: []byte("alice")},
			storage.IndexEntry{Name: "group", Value: []byte("math")}))

		assert.Equal(t, []string{"thread/1"}, collectIndex(t, s, "owner", "alice"))
		assert.Equal(t, []string{"thread/1"}, collectIndex(t, s, "group", "math"))
	})

	t.Run("binary keys and index values survive", func(t *testing.T) {
		s := factory(t)
		key := []byte{0x00, 0xFF, 0x10}
		val := []byte{0x01, 0x00, 0x02}
		require.NoError(t, s.Put(ctx, key, val,
			storage.IndexEntry{Name: "raw", Value: []byte{0x00, 0x01}}))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, val, got)

		hits := 0
		err = s.ByIndex(ctx, "raw", []byte{0x00, 0x01}, func(k, _ []byte) error {
			hits++
			assert.Equal(t, key, k)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, hits)
	})

	t.Run("empty index name or value is rejected", func(t *testing.T) {
		s := factory(t)
		err := s.Put(ctx, []byte("k"), []byte("v"),
			storage.IndexEntry{Name: "", Value: []byte("x")})
		require.ErrorIs(t, err, storage.ErrInvalidIndex)

		err = s.Put(ctx, []byte("k"), []byte("v"), storage.IndexEntry{Name: "owner"})
		require.ErrorIs(t, err, storage.ErrInvalidIndex)
	})

	t.Run("operations fail after close", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		_, err := s.Get(ctx, []byte("k"))
		require.ErrorIs(t, err, storage.ErrClosed)
		require.ErrorIs(t, s.Put(ctx, []byte("k"), []byte("v")), storage.ErrClosed)
		require.ErrorIs(t, s.Delete(ctx, []byte("k")), storage.ErrClosed)
		require.ErrorIs(t, s.Scan(ctx, nil, func(_, _ []byte) error { return nil }), storage.ErrClosed)
		require.ErrorIs(t, s.ByIndex(ctx, "owner", []byte("x"), func(_, _ []byte) error { return nil }), storage.ErrClosed)
		require.NoError(t, s.Close())
	})
}

func collectIndex(t *testing.T, s storage.Store, index, value string) []string {
	t.Helper()
	var keys []string
	err := s.ByIndex(context.Background(), index, []byte(value), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	return keys
}
