package constants

import "time"

// Session timing constants.
const (
	DefaultIdleTimeout     = 2 * time.Hour
	DefaultAbsoluteTimeout = 16 * time.Hour
	DefaultWarningTime     = 5 * time.Minute

	MinIdleTimeout     = 5 * time.Minute
	MaxSessionLifetime = 7 * 24 * time.Hour

	// How often each tab re-evaluates the session.
	DefaultPollInterval = 30 * time.Second

	// Activity newer than this counts as "recently active" when the
	// clock decides between a silent extension and a warning.
	DefaultRecentActivityWindow = 2 * time.Minute

	// Minimum spacing between silent extensions so an active user does
	// not trigger unbounded writes to the shared store.
	DefaultSilentExtendInterval = time.Minute
)

// Grace period constants.
const (
	// Hard ceiling on any single grace period, whatever the reason.
	MaxGraceDuration = 5 * time.Minute

	// Cumulative grace time granted within one session.
	MaxTotalGraceTime = 30 * time.Minute

	// Number of grace periods granted within one session.
	MaxGracePeriodsPerSession = 10

	// Records older than OrphanAgeMultiplier * MaxGraceDuration are
	// orphans left behind by a crashed tab.
	OrphanAgeMultiplier = 3
)

// Critical operation constants.
const (
	// Hard ceiling on a protected operation marker. A marker older than
	// this is treated as absent regardless of who wrote it.
	MaxCriticalOpDuration = 5 * time.Minute
)

// Default grace durations per reason (each capped at MaxGraceDuration).
const (
	PostLoginGrace        = 30 * time.Second
	PageReloadGrace       = 60 * time.Second
	DeliberateReloadGrace = 60 * time.Second
	CriticalOpGrace       = 2 * time.Minute
	RefreshSessionGrace   = 30 * time.Second
)
