package hub

import "time"

// Audit event kinds emitted by hubs. The sink appends them; the core never
// reads them back.
const (
	AuditClaimAcquired = "claim_acquired"
	AuditClaimReleased = "claim_released"
	AuditForcedRelease = "forced_release"
	AuditSessionLost   = "session_lost"
)

type AuditEvent struct {
	Kind    string
	Session string
	Actor   string
	Detail  string
	At      time.Time
}

// AuditSink receives append-only audit events. Record is called from hub
// event loops and must not block.
type AuditSink interface {
	Record(ev AuditEvent)
}

// NopSink discards audit events.
type NopSink struct{}

func (NopSink) Record(AuditEvent) {}
