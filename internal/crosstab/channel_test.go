package crosstab

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
)

func TestChannel(t *testing.T) {
	t.Run("ExpiredReachesSibling", func(t *testing.T) {
		shared := store.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a := New(shared, nil)
		b := New(shared, nil)

		var got atomic.Value
		b.OnExpired(func(reason models.ExpiryReason) {
			got.Store(reason)
		})
		require.NoError(t, b.Start(ctx))

		a.PublishExpired(ctx, models.ExpiryInactivity)

		require.Eventually(t, func() bool {
			return got.Load() != nil
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, models.ExpiryInactivity, got.Load())
	})

	t.Run("ExtendedReachesSibling", func(t *testing.T) {
		shared := store.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a := New(shared, nil)
		b := New(shared, nil)

		var silent atomic.Bool
		var count atomic.Int32
		b.OnExtended(func(msg models.BroadcastMessage) {
			silent.Store(msg.Silent)
			count.Add(1)
		})
		require.NoError(t, b.Start(ctx))

		a.PublishExtended(ctx, true)

		require.Eventually(t, func() bool {
			return count.Load() > 0
		}, time.Second, 10*time.Millisecond)
		assert.True(t, silent.Load())
	})

	t.Run("SelfOriginatedDropped", func(t *testing.T) {
		shared := store.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a := New(shared, nil)
		var count atomic.Int32
		a.OnExpired(func(models.ExpiryReason) {
			count.Add(1)
		})
		require.NoError(t, a.Start(ctx))

		a.PublishExpired(ctx, models.ExpiryInactivity)

		// Give the watch loop a moment; nothing may arrive.
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(0), count.Load())
	})

	t.Run("MissingReasonDefaultsToUnknown", func(t *testing.T) {
		shared := store.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := New(shared, nil)
		var got atomic.Value
		b.OnExpired(func(reason models.ExpiryReason) {
			got.Store(reason)
		})
		require.NoError(t, b.Start(ctx))

		require.NoError(t, shared.Set(ctx, models.KeyBroadcast,
			[]byte(`{"type":"expired","tab_id":"other"}`)))

		require.Eventually(t, func() bool {
			return got.Load() != nil
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, models.ExpiryUnknown, got.Load())
	})

	t.Run("UnparseableBroadcastIgnored", func(t *testing.T) {
		shared := store.NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b := New(shared, nil)
		var count atomic.Int32
		b.OnExpired(func(models.ExpiryReason) { count.Add(1) })
		require.NoError(t, b.Start(ctx))

		require.NoError(t, shared.Set(ctx, models.KeyBroadcast, []byte("junk")))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(0), count.Load())
	})
}
