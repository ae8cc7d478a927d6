package models

import "time"

// CriticalOperationRecord marks a long-running protected operation.
// It lives in the tab-scoped store; a critical operation is local to
// the tab performing it.
type CriticalOperationRecord struct {
	OperationName string        `json:"operation_name"`
	StartTime     time.Time     `json:"start_time"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// Stale reports whether the record has outlived its hard ceiling.
// Every read must treat a stale record as absent, so a crashed writer
// can never block expiry checks forever.
func (r *CriticalOperationRecord) Stale(now time.Time) bool {
	if r == nil {
		return true
	}
	return now.Sub(r.StartTime) > r.MaxDuration
}
