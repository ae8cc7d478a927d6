package models

import "time"

// GraceReason is the closed set of causes for which expiry evaluation
// may be suppressed. Every suppression carries a reason, a bounded
// duration, and counts against the session's grace budget.
type GraceReason string

const (
	GracePostLogin        GraceReason = "post-login"
	GracePageReload       GraceReason = "page-reload"
	GraceDeliberateReload GraceReason = "deliberate-reload"
	GraceCriticalOp       GraceReason = "critical-operation"
	GraceRefreshSession   GraceReason = "refresh-session"
)

// KnownGraceReason reports whether reason belongs to the closed set.
func KnownGraceReason(reason GraceReason) bool {
	switch reason {
	case GracePostLogin, GracePageReload, GraceDeliberateReload, GraceCriticalOp, GraceRefreshSession:
		return true
	}
	return false
}

// GracePeriodRecord is a bounded, reason-tagged suppression window.
type GracePeriodRecord struct {
	Reason    GraceReason   `json:"reason"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
}

// ExpiresAt returns the instant the grace period ends.
func (r *GracePeriodRecord) ExpiresAt() time.Time {
	return r.StartTime.Add(r.Duration)
}

// Active reports whether the record still suppresses expiry at now.
// An expired record is inactive without requiring a cleanup write.
func (r *GracePeriodRecord) Active(now time.Time) bool {
	if r == nil {
		return false
	}
	return now.Before(r.ExpiresAt())
}

// Orphaned reports whether the record is so old it can only have been
// left behind by a crashed tab. maxAge is a generous multiple of the
// largest configured grace duration.
func (r *GracePeriodRecord) Orphaned(now time.Time, maxAge time.Duration) bool {
	if r == nil {
		return false
	}
	return now.Sub(r.StartTime) > maxAge
}

// GraceStatus is the derived view of the ledger at a point in time.
type GraceStatus struct {
	Active    bool          `json:"active"`
	Reason    GraceReason   `json:"reason,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
}
