package clock

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/sessionclock/internal/config"
	"github.com/goatkit/sessionclock/internal/crosstab"
	"github.com/goatkit/sessionclock/internal/grace"
	"github.com/goatkit/sessionclock/internal/guard"
	"github.com/goatkit/sessionclock/internal/models"
	"github.com/goatkit/sessionclock/internal/store"
	"github.com/goatkit/sessionclock/internal/token"
)

func scenarioConfig() *config.Clock {
	cfg := config.Default()
	cfg.IdleTimeout = 15 * time.Minute
	cfg.AbsoluteTimeout = 8 * time.Hour
	cfg.WarningThreshold = 2 * time.Minute
	cfg.RecentActivityWindow = 2 * time.Minute
	cfg.SilentExtendInterval = time.Minute
	return cfg
}

type fixture struct {
	cfg    *config.Clock
	shared *store.MemoryStore
	tokens *token.Manager
	ledger *grace.Ledger
	guard  *guard.Guard
	clock  *Clock

	warnings  atomic.Int32
	extends   atomic.Int32
	expiries  atomic.Int32
	lastWarn  atomic.Int32
	lastECode atomic.Value // models.ExpiryReason
}

func newFixture(t *testing.T, cfg *config.Clock) *fixture {
	t.Helper()
	f := &fixture{cfg: cfg, shared: store.NewMemoryStore()}
	f.tokens = token.NewManager(f.shared, cfg, nil)
	f.ledger = grace.NewLedger(f.shared, cfg, nil)
	f.guard = guard.New(context.Background(), store.NewMemoryStore(), cfg.CriticalOpDuration, nil)
	f.clock = New(cfg, f.tokens, f.ledger, f.guard, nil,
		WithEvents(Events{
			Warning: func(minutes int) {
				f.warnings.Add(1)
				f.lastWarn.Store(int32(minutes))
			},
			Extended: func(time.Time, bool) { f.extends.Add(1) },
			Expired: func(reason models.ExpiryReason) {
				f.expiries.Add(1)
				f.lastECode.Store(reason)
			},
		}),
	)
	return f
}

func TestIdleTimeoutScenario(t *testing.T) {
	// Idle 15 min, absolute 8 h, session and last activity at t=0:
	// warning with ~1 minute left at t=14min, expired past t=15min.
	ctx := context.Background()
	cfg := scenarioConfig()
	f := newFixture(t, cfg)

	start := time.Now()
	_, err := f.tokens.BeginSession(ctx, start)
	require.NoError(t, err)

	t.Run("ActiveEarly", func(t *testing.T) {
		tier := f.clock.Evaluate(ctx, start.Add(5*time.Minute))
		assert.Equal(t, models.TierActive, tier)
	})

	t.Run("WarningAtFourteenMinutes", func(t *testing.T) {
		tier := f.clock.Evaluate(ctx, start.Add(14*time.Minute))
		assert.Equal(t, models.TierWarning, tier)
		assert.Equal(t, int32(1), f.warnings.Load())
		assert.Equal(t, int32(1), f.lastWarn.Load())
	})

	t.Run("WarningNotRepeatedForSameMinute", func(t *testing.T) {
		f.clock.Evaluate(ctx, start.Add(14*time.Minute+10*time.Second))
		assert.Equal(t, int32(1), f.warnings.Load())
	})

	t.Run("ExpiredPastIdleTimeout", func(t *testing.T) {
		tier := f.clock.Evaluate(ctx, start.Add(15*time.Minute+time.Second))
		assert.Equal(t, models.TierExpired, tier)
		assert.Equal(t, int32(1), f.expiries.Load())
		assert.Equal(t, models.ExpiryInactivity, f.lastECode.Load())

		// The token is gone for every tab.
		_, err := f.tokens.Load(ctx)
		assert.ErrorIs(t, err, token.ErrNoToken)
	})

	t.Run("ExpiryIsIdempotent", func(t *testing.T) {
		f.clock.Evaluate(ctx, start.Add(16*time.Minute))
		assert.Equal(t, int32(1), f.expiries.Load())
	})
}

func TestAbsoluteLimit(t *testing.T) {
	ctx := context.Background()
	cfg := scenarioConfig()
	f := newFixture(t, cfg)

	start := time.Now()
	tok := &models.SessionToken{
		SessionStartTime: start.Add(-8 * time.Hour),
		IdleExpiry:       start.Add(time.Hour),
		AbsoluteExpiry:   start.Add(-time.Minute),
	}
	require.NoError(t, f.tokens.Save(ctx, tok))

	tier := f.clock.Evaluate(ctx, start)
	assert.Equal(t, models.TierExpired, tier)
	assert.Equal(t, models.ExpiryAbsoluteLimit, f.lastECode.Load())
}

func TestSilentExtension(t *testing.T) {
	ctx := context.Background()
	cfg := scenarioConfig()
	f := newFixture(t, cfg)

	start := time.Now()
	_, err := f.tokens.BeginSession(ctx, start)
	require.NoError(t, err)

	t.Run("RecentActivityExtendsInsteadOfWarning", func(t *testing.T) {
		f.tokens.RecordActivity(ctx, start.Add(13*time.Minute))

		tier := f.clock.Evaluate(ctx, start.Add(14*time.Minute))
		assert.Equal(t, models.TierActive, tier)
		assert.Equal(t, int32(0), f.warnings.Load())
		assert.Equal(t, int32(1), f.extends.Load())

		tok, err := f.tokens.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, start.Add(14*time.Minute).Add(cfg.IdleTimeout).UnixMilli(),
			tok.IdleExpiry.UnixMilli())
	})

	t.Run("RateLimitFallsBackToWarning", func(t *testing.T) {
		// Push the token back near expiry; the limiter has no budget
		// left, so the active user gets a warning instead of another
		// write to the shared store.
		tok, err := f.tokens.Load(ctx)
		require.NoError(t, err)
		tok.IdleExpiry = start.Add(15 * time.Minute)
		require.NoError(t, f.tokens.Save(ctx, tok))
		f.tokens.RecordActivity(ctx, start.Add(14*time.Minute))

		tier := f.clock.Evaluate(ctx, start.Add(14*time.Minute+10*time.Second))
		assert.Equal(t, models.TierWarning, tier)
		assert.Equal(t, int32(1), f.warnings.Load())
		assert.Equal(t, int32(1), f.extends.Load())
	})
}

func TestGraceSuppression(t *testing.T) {
	// A grace period suppresses expiry even when the idle expiry has
	// technically passed; evaluation resumes once the window lapses.
	ctx := context.Background()
	cfg := scenarioConfig()
	f := newFixture(t, cfg)

	start := time.Now()
	tok := &models.SessionToken{
		SessionStartTime: start.Add(-time.Hour),
		IdleExpiry:       start.Add(-time.Minute), // already past
		AbsoluteExpiry:   start.Add(7 * time.Hour),
	}
	require.NoError(t, f.tokens.Save(ctx, tok))

	writeGrace := func(t *testing.T, startedAgo time.Duration) {
		t.Helper()
		rec := &models.GracePeriodRecord{
			Reason:    models.GracePageReload,
			StartTime: time.Now().Add(-startedAgo),
			Duration:  time.Minute,
		}
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, f.shared.Set(ctx, models.KeyGracePeriod, data))
	}

	t.Run("SuppressedMidWindow", func(t *testing.T) {
		writeGrace(t, 30*time.Second)
		tier := f.clock.Evaluate(ctx, start)
		assert.Equal(t, models.TierGrace, tier)
		assert.Equal(t, int32(0), f.expiries.Load())
	})

	t.Run("ResumesAfterWindow", func(t *testing.T) {
		writeGrace(t, 61*time.Second)
		tier := f.clock.Evaluate(ctx, start)
		assert.Equal(t, models.TierExpired, tier)
		assert.Equal(t, int32(1), f.expiries.Load())
	})
}

func TestCriticalOperationSuppression(t *testing.T) {
	ctx := context.Background()
	cfg := scenarioConfig()
	f := newFixture(t, cfg)

	start := time.Now()
	tok := &models.SessionToken{
		SessionStartTime: start.Add(-time.Hour),
		IdleExpiry:       start.Add(-time.Minute),
		AbsoluteExpiry:   start.Add(7 * time.Hour),
	}
	require.NoError(t, f.tokens.Save(ctx, tok))

	err := f.guard.Protect(ctx, "import", func(ctx context.Context) error {
		tier := f.clock.Evaluate(ctx, start)
		assert.NotEqual(t, models.TierExpired, tier)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.expiries.Load())

	// Once the operation finished, evaluation proceeds normally.
	tier := f.clock.Evaluate(ctx, start)
	assert.Equal(t, models.TierExpired, tier)
}

func TestInvalidTokenFailsSafe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scenarioConfig())

	require.NoError(t, f.shared.Set(ctx, models.KeyToken, []byte("corrupted")))

	tier := f.clock.Evaluate(ctx, time.Now())
	assert.Equal(t, models.TierExpired, tier)
	assert.Equal(t, models.ExpiryExternal, f.lastECode.Load())
}

func TestExpiredBroadcastIdempotent(t *testing.T) {
	f := newFixture(t, scenarioConfig())

	// Processing the same authoritative broadcast twice ends in the
	// same state as processing it once.
	f.clock.markExpired(models.ExpiryInactivity)
	f.clock.markExpired(models.ExpiryInactivity)

	assert.Equal(t, models.TierExpired, f.clock.Tier())
	assert.Equal(t, int32(1), f.expiries.Load())
}

func TestCrossTabExtension(t *testing.T) {
	// Tab A extends; tab B's view of remaining time reflects the new
	// idle expiry without B writing to the store.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := scenarioConfig()
	shared := store.NewMemoryStore()

	newTab := func(t *testing.T) (*Clock, *token.Manager, *crosstab.Channel, *atomic.Int32) {
		t.Helper()
		tokens := token.NewManager(shared, cfg, nil)
		ledger := grace.NewLedger(shared, cfg, nil)
		g := guard.New(ctx, store.NewMemoryStore(), cfg.CriticalOpDuration, nil)
		channel := crosstab.New(shared, nil)
		var extends atomic.Int32
		c := New(cfg, tokens, ledger, g, channel, WithEvents(Events{
			Extended: func(time.Time, bool) { extends.Add(1) },
		}))
		require.NoError(t, channel.Start(ctx))
		return c, tokens, channel, &extends
	}

	tabA, tokensA, _, _ := newTab(t)
	tabB, tokensB, _, extendsB := newTab(t)

	start := time.Now()
	_, err := tokensA.BeginSession(ctx, start)
	require.NoError(t, err)

	before := tabB.CurrentStatus(ctx).Remaining
	require.NoError(t, tabA.Extend(ctx))

	// B sees the extension broadcast...
	require.Eventually(t, func() bool {
		return extendsB.Load() > 0
	}, time.Second, 10*time.Millisecond)

	// ...and reads the longer remaining time straight from the store.
	after := tabB.CurrentStatus(ctx).Remaining
	assert.Greater(t, after, before-time.Second)

	tokB, err := tokensB.Load(ctx)
	require.NoError(t, err)
	tokA, err := tokensA.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokA.IdleExpiry.UnixMilli(), tokB.IdleExpiry.UnixMilli())
}

func TestExpiredBroadcastAuthoritative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := scenarioConfig()
	shared := store.NewMemoryStore()

	tokens := token.NewManager(shared, cfg, nil)
	_, err := tokens.BeginSession(ctx, time.Now())
	require.NoError(t, err)

	channelA := crosstab.New(shared, nil)
	channelB := crosstab.New(shared, nil)

	ledgerB := grace.NewLedger(shared, cfg, nil)
	guardB := guard.New(ctx, store.NewMemoryStore(), cfg.CriticalOpDuration, nil)
	var reasons atomic.Value
	tabB := New(cfg, token.NewManager(shared, cfg, nil), ledgerB, guardB, channelB,
		WithEvents(Events{
			Expired: func(reason models.ExpiryReason) { reasons.Store(reason) },
		}))
	require.NoError(t, channelB.Start(ctx))

	// Tab A decides the session is over; B follows without re-deriving.
	channelA.PublishExpired(ctx, models.ExpiryAbsoluteLimit)

	require.Eventually(t, func() bool {
		return tabB.Tier() == models.TierExpired
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ExpiryAbsoluteLimit, reasons.Load())
}
