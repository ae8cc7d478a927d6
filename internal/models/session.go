package models

import "time"

// SessionToken carries the expiry metadata of an issued session. The
// coordinator owns it once the authentication collaborator hands it over.
type SessionToken struct {
	SessionStartTime time.Time `json:"session_start_time"`
	IdleExpiry       time.Time `json:"idle_expiry"`
	AbsoluteExpiry   time.Time `json:"absolute_expiry"`
}

// EffectiveExpiry returns min(idleExpiry, absoluteExpiry). It is always
// derived, never stored, so it can never go stale.
func (t *SessionToken) EffectiveExpiry() time.Time {
	if t.IdleExpiry.Before(t.AbsoluteExpiry) {
		return t.IdleExpiry
	}
	return t.AbsoluteExpiry
}

// Valid reports whether the token is internally consistent. An
// inconsistent token must be treated as already expired.
func (t *SessionToken) Valid() bool {
	if t == nil {
		return false
	}
	if t.SessionStartTime.IsZero() || t.IdleExpiry.IsZero() || t.AbsoluteExpiry.IsZero() {
		return false
	}
	if t.AbsoluteExpiry.Before(t.SessionStartTime) {
		return false
	}
	return true
}

// SessionTier is the derived state of a session at a point in time.
type SessionTier string

const (
	TierActive  SessionTier = "active"
	TierWarning SessionTier = "warning"
	TierGrace   SessionTier = "grace"
	TierExpired SessionTier = "expired"
)

// ExpiryReason tags why a session ended; it is the only detail surfaced
// to the user-facing redirect.
type ExpiryReason string

const (
	ExpiryInactivity    ExpiryReason = "inactivity"
	ExpiryAbsoluteLimit ExpiryReason = "absolute-limit"
	ExpiryExternal      ExpiryReason = "external-invalidation"
	ExpiryUnknown       ExpiryReason = "unknown"
)

// UrgencyTier classifies remaining time for display collaborators.
type UrgencyTier string

const (
	UrgencyHealthy  UrgencyTier = "healthy"
	UrgencyWarning  UrgencyTier = "warning"
	UrgencyCritical UrgencyTier = "critical"
)
