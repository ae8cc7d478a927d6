package models

import "time"

// BroadcastType identifies a cross-tab message.
type BroadcastType string

const (
	BroadcastExtended BroadcastType = "extended"
	BroadcastExpired  BroadcastType = "expired"
)

// BroadcastMessage is the payload written to the shared store so that
// sibling tabs converge on one decision. Delivery is at-least-once and
// unordered; consumers must stay idempotent.
type BroadcastMessage struct {
	Type      BroadcastType `json:"type"`
	TabID     string        `json:"tab_id"`
	Timestamp time.Time     `json:"timestamp"`
	Silent    bool          `json:"silent,omitempty"`
	Reason    ExpiryReason  `json:"reason,omitempty"`
}
