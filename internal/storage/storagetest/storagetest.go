// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/storage"
)

// Run exercises b. b must start empty.
func Run(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := b.Get(ctx, "missing/key")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "a/b", []byte("one")))
		got, err := b.Get(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got)

		require.NoError(t, b.Put(ctx, "a/b", []byte("two")))
		got, err = b.Get(ctx, "a/b")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("list by prefix", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "list/2", []byte("x")))
		require.NoError(t, b.Put(ctx, "list/1", []byte("x")))
		require.NoError(t, b.Put(ctx, "other/1", []byte("x")))

		keys, err := b.List(ctx, "list/")
		require.NoError(t, err)
		assert.Equal(t, []string{"list/1", "list/2"}, keys)

		keys, err = b.List(ctx, "nothing/")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "del/me", []byte("x")))
		require.NoError(t, b.Delete(ctx, "del/me"))
		assert.ErrorIs(t, b.Delete(ctx, "del/me"), storage.ErrNotFound)
		_, err := b.Get(ctx, "del/me")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("invalid keys", func(t *testing.T) {
		for _, k := range []string{"", "/abs", "a/../b", "trailing/", "a//b"} {
			assert.ErrorIs(t, b.Put(ctx, k, []byte("x")), storage.ErrInvalidKey, k)
		}
	})

	t.Run("update aborts on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := b.Update(ctx, "upd/abort", func([]byte, bool) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		_, err = b.Get(ctx, "upd/abort")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		const workers, rounds = 8, 25

		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range rounds {
					err := b.Update(ctx, "upd/counter", func(cur []byte, found bool) ([]byte, error) {
						n := 0
						if found {
							var err error
							if n, err = strconv.Atoi(string(cur)); err != nil {
								return nil, err
							}
						}

						return []byte(strconv.Itoa(n + 1)), nil
					})
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		got, err := b.Get(ctx, "upd/counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers*rounds), string(got))
	})
}
