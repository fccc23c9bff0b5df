// Package kvtest holds the conformance checks every kv.Backend must pass.
package kvtest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/sessionkv/internal/kv"
)

// scope returns a key segment unique to this call, so the suite can run
// repeatedly against a persistent backend.
func scope(t *testing.T) string {
	return t.Name() + "/" + uuid.NewString()
}

// Run exercises newBackend against the commit contract. Keys never repeat
// across runs.
func Run(t *testing.T, newBackend func(t *testing.T) kv.Backend) {
	t.Helper()

	t.Run("absent key", func(t *testing.T) {
		b := newBackend(t)
		e, err := b.Get(context.Background(), kv.Key{scope(t), "missing"})
		require.NoError(t, err)
		assert.False(t, e.Exists())
		assert.Nil(t, e.Value)
	})

	t.Run("set then get", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		key := kv.Key{scope(t), "a/b"}

		vs, err := b.Commit(ctx, kv.NewAtomic().Check(kv.Entry{Key: key}).Set(key, []byte(`{"x":1}`)))
		require.NoError(t, err)

		e, err := b.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"x":1}`), e.Value)
		assert.Equal(t, vs, e.Versionstamp)
	})

	t.Run("failed check writes nothing", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		k1 := kv.Key{scope(t), "1"}
		k2 := kv.Key{scope(t), "2"}

		_, err := b.Commit(ctx, kv.NewAtomic().Set(k1, []byte("one")))
		require.NoError(t, err)
		stale, err := b.Get(ctx, k1)
		require.NoError(t, err)
		_, err = b.Commit(ctx, kv.NewAtomic().Set(k1, []byte("uno")))
		require.NoError(t, err)

		_, err = b.Commit(ctx, kv.NewAtomic().Check(stale).Set(k1, []byte("x")).Set(k2, []byte("y")))
		require.ErrorIs(t, err, kv.ErrCheckFailed)

		entries, err := b.GetMany(ctx, k1, k2)
		require.NoError(t, err)
		assert.Equal(t, []byte("uno"), entries[0].Value)
		assert.False(t, entries[1].Exists())
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		key := kv.Key{scope(t), "d"}

		_, err := b.Commit(ctx, kv.NewAtomic().Set(key, []byte("v")))
		require.NoError(t, err)
		read, err := b.Get(ctx, key)
		require.NoError(t, err)

		_, err = b.Commit(ctx, kv.NewAtomic().Check(read).Delete(key))
		require.NoError(t, err)

		e, err := b.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, e.Exists())

		// A check pinned to the deleted version now fails.
		_, err = b.Commit(ctx, kv.NewAtomic().Check(read).Set(key, []byte("again")))
		assert.ErrorIs(t, err, kv.ErrCheckFailed)
	})

	t.Run("get many keeps order", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		k1 := kv.Key{scope(t), "first"}
		k2 := kv.Key{scope(t), "second"}

		_, err := b.Commit(ctx, kv.NewAtomic().Set(k1, []byte("1")))
		require.NoError(t, err)

		entries, err := b.GetMany(ctx, k2, k1)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, k2, entries[0].Key)
		assert.False(t, entries[0].Exists())
		assert.Equal(t, k1, entries[1].Key)
		assert.Equal(t, []byte("1"), entries[1].Value)
	})

	t.Run("concurrent absent checks admit one writer", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		key := kv.Key{scope(t), "race"}

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.Commit(ctx, kv.NewAtomic().Check(kv.Entry{Key: key}).Set(key, []byte("x")))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, kv.ErrCheckFailed)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newBackend(t).Ping(context.Background()))
	})
}
