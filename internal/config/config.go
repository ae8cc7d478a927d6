// Package config holds the validated timing configuration for the
// session lifecycle coordinator and the derived helpers built on it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goatkit/sessionclock/internal/constants"
	"github.com/goatkit/sessionclock/internal/models"
)

// Clock is the pure timing configuration shared by every component.
// Construct it with Default or Load and call Validate before use;
// an invalid configuration must fail fast at startup, not at tick time.
type Clock struct {
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTimeout  time.Duration `mapstructure:"absolute_timeout"`
	WarningThreshold time.Duration `mapstructure:"warning_threshold"`

	PollInterval         time.Duration `mapstructure:"poll_interval"`
	RecentActivityWindow time.Duration `mapstructure:"recent_activity_window"`
	SilentExtendInterval time.Duration `mapstructure:"silent_extend_interval"`

	MaxGraceDuration   time.Duration `mapstructure:"max_grace_duration"`
	MaxTotalGraceTime  time.Duration `mapstructure:"max_total_grace_time"`
	MaxGracePeriods    int           `mapstructure:"max_grace_periods"`
	OrphanAgeMultiple  int           `mapstructure:"orphan_age_multiple"`
	GraceDurations     map[string]time.Duration `mapstructure:"grace_durations"`
	CriticalOpDuration time.Duration `mapstructure:"critical_op_duration"`
}

// Default returns the coordinator defaults.
func Default() *Clock {
	return &Clock{
		IdleTimeout:          constants.DefaultIdleTimeout,
		AbsoluteTimeout:      constants.DefaultAbsoluteTimeout,
		WarningThreshold:     constants.DefaultWarningTime,
		PollInterval:         constants.DefaultPollInterval,
		RecentActivityWindow: constants.DefaultRecentActivityWindow,
		SilentExtendInterval: constants.DefaultSilentExtendInterval,
		MaxGraceDuration:     constants.MaxGraceDuration,
		MaxTotalGraceTime:    constants.MaxTotalGraceTime,
		MaxGracePeriods:      constants.MaxGracePeriodsPerSession,
		OrphanAgeMultiple:    constants.OrphanAgeMultiplier,
		GraceDurations: map[string]time.Duration{
			string(models.GracePostLogin):        constants.PostLoginGrace,
			string(models.GracePageReload):       constants.PageReloadGrace,
			string(models.GraceDeliberateReload): constants.DeliberateReloadGrace,
			string(models.GraceCriticalOp):       constants.CriticalOpGrace,
			string(models.GraceRefreshSession):   constants.RefreshSessionGrace,
		},
		CriticalOpDuration: constants.MaxCriticalOpDuration,
	}
}

// Load reads configuration from the given file (YAML) merged over the
// defaults, with SESSIONCLOCK_* environment overrides. An empty path
// returns the defaults.
func Load(path string) (*Clock, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("sessionclock")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the state machine
// undecidable. Called once at startup.
func (c *Clock) Validate() error {
	if c.IdleTimeout <= 0 || c.AbsoluteTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive (idle=%v absolute=%v)", c.IdleTimeout, c.AbsoluteTimeout)
	}
	if c.IdleTimeout >= c.AbsoluteTimeout {
		return fmt.Errorf("config: idle timeout %v must be shorter than absolute timeout %v", c.IdleTimeout, c.AbsoluteTimeout)
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold >= c.IdleTimeout {
		return fmt.Errorf("config: warning threshold %v must be positive and shorter than idle timeout %v", c.WarningThreshold, c.IdleTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %v", c.PollInterval)
	}
	if c.MaxGraceDuration <= 0 || c.MaxTotalGraceTime <= 0 || c.MaxGracePeriods <= 0 {
		return fmt.Errorf("config: grace caps must be positive")
	}
	for reason, d := range c.GraceDurations {
		if !models.KnownGraceReason(models.GraceReason(reason)) {
			return fmt.Errorf("config: unknown grace reason %q", reason)
		}
		if d <= 0 || d > c.MaxGraceDuration {
			return fmt.Errorf("config: grace duration for %q is %v, must be in (0, %v]", reason, d, c.MaxGraceDuration)
		}
	}
	if c.CriticalOpDuration <= 0 {
		return fmt.Errorf("config: critical operation ceiling must be positive, got %v", c.CriticalOpDuration)
	}
	if c.OrphanAgeMultiple < 1 {
		return fmt.Errorf("config: orphan age multiple must be at least 1, got %d", c.OrphanAgeMultiple)
	}
	return nil
}

// GraceDuration returns the clamped duration for a reason. Unknown
// reasons get no duration.
func (c *Clock) GraceDuration(reason models.GraceReason) (time.Duration, bool) {
	d, ok := c.GraceDurations[string(reason)]
	if !ok {
		return 0, false
	}
	if d > c.MaxGraceDuration {
		d = c.MaxGraceDuration
	}
	return d, true
}

// OrphanAge is the age past which a grace record counts as orphaned.
func (c *Clock) OrphanAge() time.Duration {
	return time.Duration(c.OrphanAgeMultiple) * c.MaxGraceDuration
}

// NewToken computes the expiry pair for a session starting at start
// with activity at start.
func (c *Clock) NewToken(start time.Time) *models.SessionToken {
	return &models.SessionToken{
		SessionStartTime: start,
		IdleExpiry:       start.Add(c.IdleTimeout),
		AbsoluteExpiry:   start.Add(c.AbsoluteTimeout),
	}
}

// Remaining returns how long the token stays valid from now. Invalid
// tokens have nothing remaining.
func (c *Clock) Remaining(token *models.SessionToken, now time.Time) time.Duration {
	if !token.Valid() {
		return 0
	}
	d := token.EffectiveExpiry().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingMinutes returns the remaining validity rounded up to whole
// minutes, the unit display collaborators work in.
func (c *Clock) RemainingMinutes(token *models.SessionToken, now time.Time) int {
	d := c.Remaining(token, now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// TierFor classifies remaining time into a display urgency tier.
func (c *Clock) TierFor(remaining time.Duration) models.UrgencyTier {
	switch {
	case remaining <= c.WarningThreshold/2:
		return models.UrgencyCritical
	case remaining <= c.WarningThreshold:
		return models.UrgencyWarning
	default:
		return models.UrgencyHealthy
	}
}

// FormatRemaining renders a duration for display collaborators.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
