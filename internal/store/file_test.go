package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("SetGetDelete", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "token", []byte(`{"a":1}`)))
		v, err := s.Get(ctx, "token")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":1}`), v)

		require.NoError(t, s.Delete(ctx, "token"))
		_, err = s.Get(ctx, "token")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		s.Set(ctx, "grace-period", []byte("1"))
		s.Set(ctx, "grace-count", []byte("2"))
		s.Set(ctx, "token", []byte("3"))

		keys, err := s.Keys(ctx, "grace-")
		require.NoError(t, err)
		assert.Len(t, keys, 2)
	})

	t.Run("OverwriteIsAtomicRead", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Set(ctx, "token", []byte("first")))
		require.NoError(t, s.Set(ctx, "token", []byte("second")))
		v, err := s.Get(ctx, "token")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), v)
	})

	t.Run("WatchSeesSiblingWrite", func(t *testing.T) {
		dir := t.TempDir()
		a, err := NewFileStore(dir)
		require.NoError(t, err)
		defer a.Close()
		b, err := NewFileStore(dir)
		require.NoError(t, err)
		defer b.Close()

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events, err := b.Watch(watchCtx)
		require.NoError(t, err)

		// Writes from another store on the same directory are visible.
		require.NoError(t, a.Set(ctx, "broadcast", []byte("hello")))

		select {
		case ev := <-events:
			assert.Equal(t, "broadcast", ev.Key)
		case <-time.After(3 * time.Second):
			t.Fatal("no event from sibling write")
		}
	})
}
