package domain

import "time"

// Entity types recorded in the audit log.
const (
	EntityCycle          = "cycle"
	EntityOrder          = "order"
	EntityNonce          = "nonce"
	EntityReconciliation = "reconciliation"
	EntityDiscrepancy    = "discrepancy"
	EntityDeadLetter     = "dead_letter"
	EntityIdempotency    = "idempotency"
)

// AuditEvent is one append-only entry in the audit log.
// Corresponds to the audit_events table.
type AuditEvent struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	FromState  string
	ToState    string
	Success    bool
	Error      string
	Details    []byte // JSON, may be nil
	CreatedAt  time.Time
}

// AuditQuery filters audit events. Zero fields are not applied.
type AuditQuery struct {
	EntityType string
	EntityID   string
	Start      time.Time // inclusive
	End        time.Time // inclusive
	Limit      int
}
