package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/sessionclock/internal/models"
)

func TestValidate(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		require.NoError(t, Default().Validate())
	})

	t.Run("IdleMustBeShorterThanAbsolute", func(t *testing.T) {
		cfg := Default()
		cfg.IdleTimeout = cfg.AbsoluteTimeout
		assert.Error(t, cfg.Validate())
	})

	t.Run("WarningMustBeShorterThanIdle", func(t *testing.T) {
		cfg := Default()
		cfg.WarningThreshold = cfg.IdleTimeout
		assert.Error(t, cfg.Validate())
	})

	t.Run("GraceDurationOverCap", func(t *testing.T) {
		cfg := Default()
		cfg.GraceDurations[string(models.GracePageReload)] = cfg.MaxGraceDuration + time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnknownGraceReason", func(t *testing.T) {
		cfg := Default()
		cfg.GraceDurations["coffee-break"] = time.Minute
		assert.Error(t, cfg.Validate())
	})

	t.Run("NonPositivePollInterval", func(t *testing.T) {
		cfg := Default()
		cfg.PollInterval = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestEffectiveExpiry(t *testing.T) {
	cfg := Default()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	tok := cfg.NewToken(start)

	t.Run("IdleWinsWhenSooner", func(t *testing.T) {
		assert.Equal(t, tok.IdleExpiry, tok.EffectiveExpiry())
	})

	t.Run("AbsoluteWinsWhenSooner", func(t *testing.T) {
		extended := *tok
		extended.IdleExpiry = extended.AbsoluteExpiry.Add(time.Hour)
		assert.Equal(t, extended.AbsoluteExpiry, extended.EffectiveExpiry())
	})

	t.Run("AlwaysTheMinimum", func(t *testing.T) {
		// Sweep the idle expiry across the absolute one; the invariant
		// holds at every point.
		for offset := -2 * time.Hour; offset <= 2*time.Hour; offset += 30 * time.Minute {
			probe := *tok
			probe.IdleExpiry = probe.AbsoluteExpiry.Add(offset)
			want := probe.IdleExpiry
			if probe.AbsoluteExpiry.Before(want) {
				want = probe.AbsoluteExpiry
			}
			assert.Equal(t, want, probe.EffectiveExpiry())
		}
	})
}

func TestRemaining(t *testing.T) {
	cfg := Default()
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	tok := cfg.NewToken(start)

	t.Run("FullAtStart", func(t *testing.T) {
		assert.Equal(t, cfg.IdleTimeout, cfg.Remaining(tok, start))
	})

	t.Run("ZeroAfterExpiry", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), cfg.Remaining(tok, start.Add(cfg.IdleTimeout+time.Second)))
	})

	t.Run("MinutesRoundUp", func(t *testing.T) {
		now := tok.IdleExpiry.Add(-90 * time.Second)
		assert.Equal(t, 2, cfg.RemainingMinutes(tok, now))
	})

	t.Run("InvalidTokenHasNothingLeft", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), cfg.Remaining(&models.SessionToken{}, start))
	})
}

func TestTierFor(t *testing.T) {
	cfg := Default()
	assert.Equal(t, models.UrgencyHealthy, cfg.TierFor(time.Hour))
	assert.Equal(t, models.UrgencyWarning, cfg.TierFor(cfg.WarningThreshold))
	assert.Equal(t, models.UrgencyCritical, cfg.TierFor(cfg.WarningThreshold/2))
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "expired", FormatRemaining(0))
	assert.Equal(t, "45s", FormatRemaining(45*time.Second))
	assert.Equal(t, "5m", FormatRemaining(5*time.Minute))
	assert.Equal(t, "2h 5m", FormatRemaining(2*time.Hour+5*time.Minute))
}

func TestGraceDuration(t *testing.T) {
	cfg := Default()

	t.Run("KnownReason", func(t *testing.T) {
		d, ok := cfg.GraceDuration(models.GracePageReload)
		require.True(t, ok)
		assert.Equal(t, time.Minute, d)
	})

	t.Run("UnknownReason", func(t *testing.T) {
		_, ok := cfg.GraceDuration(models.GraceReason("coffee-break"))
		assert.False(t, ok)
	})

	t.Run("ClampedToCap", func(t *testing.T) {
		cfg.GraceDurations[string(models.GraceCriticalOp)] = cfg.MaxGraceDuration + time.Hour
		d, ok := cfg.GraceDuration(models.GraceCriticalOp)
		require.True(t, ok)
		assert.Equal(t, cfg.MaxGraceDuration, d)
	})
}
