package models

// Persisted key schema for the shared durable store. Each key is read
// and written atomically on its own; there is no cross-key transaction.
const (
	KeyToken           = "token"
	KeyLastActivity    = "last-activity"
	KeyGracePeriod     = "grace-period"
	KeyGraceCumulative = "grace-cumulative-ms"
	KeyGraceCount      = "grace-count"
	KeyBroadcast       = "broadcast"

	// Tab-scoped store only; never shared across tabs.
	KeyCriticalOperation = "critical-operation"
)
