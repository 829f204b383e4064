package fleet

import "time"

// AuditEntry records an operator-visible change to the fleet.
type AuditEntry struct {
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Object  string         `json:"obj"`
	Details map[string]any `json:"details"`
	At      time.Time      `json:"at"`
}
