package blobstore

import (
	"context"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the behavior every BlobStore must satisfy.
func storeContract(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutOpenRoundTrip", func(t *testing.T) {
		data := []byte("snapshot contents")
		require.NoError(t, store.Put(ctx, "caches/a.snap", data))

		blob, err := store.Open(ctx, "caches/a.snap")
		require.NoError(t, err)
		defer blob.Close()

		assert.Equal(t, int64(len(data)), blob.Size())

		got, err := io.ReadAll(Reader(blob))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("PutReplaces", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "caches/b.snap", []byte("v1")))
		require.NoError(t, store.Put(ctx, "caches/b.snap", []byte("version-two")))

		blob, err := store.Open(ctx, "caches/b.snap")
		require.NoError(t, err)
		defer blob.Close()

		got, err := io.ReadAll(Reader(blob))
		require.NoError(t, err)
		assert.Equal(t, []byte("version-two"), got)
	})

	t.Run("OpenMissing", func(t *testing.T) {
		_, err := store.Open(ctx, "caches/missing.snap")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "caches/c.snap", []byte("x")))
		require.NoError(t, store.Put(ctx, "other/d.snap", []byte("y")))

		names, err := store.List(ctx, "caches/")
		require.NoError(t, err)
		sort.Strings(names)
		assert.Contains(t, names, "caches/a.snap")
		assert.Contains(t, names, "caches/c.snap")
		assert.NotContains(t, names, "other/d.snap")
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "caches/e.snap", []byte("z")))
		require.NoError(t, store.Delete(ctx, "caches/e.snap"))

		_, err := store.Open(ctx, "caches/e.snap")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing blob is not an error.
		require.NoError(t, store.Delete(ctx, "caches/e.snap"))
	})

	t.Run("ReadAt", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "caches/f.snap", []byte("0123456789")))

		blob, err := store.Open(ctx, "caches/f.snap")
		require.NoError(t, err)
		defer blob.Close()

		buf := make([]byte, 4)
		n, err := blob.ReadAt(buf, 3)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.Equal(t, []byte("3456"), buf)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())

	t.Run("OpenHandleUnaffectedByLaterPut", func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, "a", []byte("before")))

		blob, err := store.Open(ctx, "a")
		require.NoError(t, err)
		defer blob.Close()

		require.NoError(t, store.Put(ctx, "a", []byte("after!")))

		got, err := io.ReadAll(Reader(blob))
		require.NoError(t, err)
		assert.Equal(t, []byte("before"), got)
	})
}

func TestLocalStore(t *testing.T) {
	storeContract(t, NewLocalStore(t.TempDir()))
}
