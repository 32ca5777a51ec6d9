package hub

import (
	"time"

	"termshare/internal/authz"
	"termshare/internal/protocol"
)

// claimState is the arbiter's tagged state: either unclaimed (held=false)
// or held by exactly one user. All transitions run on the hub loop.
type claimState struct {
	held       bool
	holderID   string
	holderName string
	acquiredAt time.Time
	expiresAt  time.Time
	renewals   uint32
}

// ClaimInfo is the exported claim snapshot served over REST.
type ClaimInfo struct {
	SessionName string    `json:"sessionName"`
	Held        bool      `json:"held"`
	HolderID    string    `json:"holderId,omitempty"`
	HolderName  string    `json:"holderName,omitempty"`
	AcquiredAt  time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Renewals    uint32    `json:"renewals,omitempty"`
}

func (h *Hub) claimInfo() ClaimInfo {
	return ClaimInfo{
		SessionName: h.name,
		Held:        h.claim.held,
		HolderID:    h.claim.holderID,
		HolderName:  h.claim.holderName,
		AcquiredAt:  h.claim.acquiredAt,
		ExpiresAt:   h.claim.expiresAt,
		Renewals:    h.claim.renewals,
	}
}

// applyClaim runs the claim transition for sub. A nil return means the
// transition happened and was broadcast; otherwise the returned frame is
// the reply for the requester only.
func (h *Hub) applyClaim(sub *Subscriber) *protocol.ServerFrame {
	// A claim racing an eviction must not install a holder with no
	// member connection; holder_gone would never fire for it.
	if _, ok := h.members[sub]; !ok {
		f := protocol.Error(protocol.CodeNotFound, "not subscribed to session", h.name)
		return &f
	}
	p := sub.Principal()
	if !authz.Allows(p.Role, authz.ActionClaim) {
		f := protocol.Error(protocol.CodeForbidden, "claiming requires the operator role", h.name)
		return &f
	}

	now := time.Now()
	switch {
	case !h.claim.held:
		h.claim = claimState{
			held:       true,
			holderID:   p.UserID,
			holderName: p.Name,
			acquiredAt: now,
			expiresAt:  now.Add(h.opts.ClaimLeaseMax),
		}
		h.lastHolderActivity = now
		h.scheduleExpiry()
		h.metrics.HeldClaims.Inc()
		h.metrics.Claims.WithLabelValues("acquired").Inc()
		h.audit.Record(AuditEvent{Kind: AuditClaimAcquired, Session: h.name, Actor: p.UserID, At: now})
		h.broadcastPriority(protocol.Claimed(h.name, protocol.UserRef{ID: p.UserID, Name: p.Name}, h.claim.expiresAt, ""))
		return nil

	case h.claim.holderID == p.UserID:
		h.claim.expiresAt = now.Add(h.opts.ClaimLeaseMax)
		h.claim.renewals++
		h.lastHolderActivity = now
		h.scheduleExpiry()
		h.metrics.Claims.WithLabelValues("renewed").Inc()
		h.broadcastPriority(protocol.Claimed(h.name, protocol.UserRef{ID: p.UserID, Name: p.Name}, h.claim.expiresAt, protocol.ReasonRenewed))
		return nil

	case authz.Allows(p.Role, authz.ActionPreempt):
		prior := h.claim.holderID
		h.sendToUser(prior, protocol.Error(protocol.CodePreempted, "your claim was preempted", h.name))
		h.audit.Record(AuditEvent{Kind: AuditClaimReleased, Session: h.name, Actor: prior, Detail: protocol.ReasonPreempted, At: now})
		h.claim = claimState{
			held:       true,
			holderID:   p.UserID,
			holderName: p.Name,
			acquiredAt: now,
			expiresAt:  now.Add(h.opts.ClaimLeaseMax),
		}
		h.lastHolderActivity = now
		h.scheduleExpiry()
		h.metrics.Claims.WithLabelValues("preempted").Inc()
		h.audit.Record(AuditEvent{Kind: AuditClaimAcquired, Session: h.name, Actor: p.UserID, Detail: protocol.ReasonPreempted, At: now})
		h.broadcastPriority(protocol.Claimed(h.name, protocol.UserRef{ID: p.UserID, Name: p.Name}, h.claim.expiresAt, protocol.ReasonPreempted))
		return nil

	default:
		f := protocol.Error(protocol.CodeLocked, "session is claimed by another user", h.name)
		f.HeldBy = h.claim.holderID
		return &f
	}
}

func (h *Hub) applyRelease(sub *Subscriber) *protocol.ServerFrame {
	if _, ok := h.members[sub]; !ok {
		f := protocol.Error(protocol.CodeNotFound, "not subscribed to session", h.name)
		return &f
	}
	p := sub.Principal()
	if !h.claim.held || h.claim.holderID != p.UserID {
		f := protocol.Error(protocol.CodeNotHolder, "you do not hold the claim", h.name)
		return &f
	}
	h.releaseClaim("", p.UserID)
	return nil
}

func (h *Hub) applyForceRelease(sub *Subscriber) *protocol.ServerFrame {
	if _, ok := h.members[sub]; !ok {
		f := protocol.Error(protocol.CodeNotFound, "not subscribed to session", h.name)
		return &f
	}
	p := sub.Principal()
	if !authz.Allows(p.Role, authz.ActionForceRelease) {
		f := protocol.Error(protocol.CodeForbidden, "force release requires the admin role", h.name)
		return &f
	}
	if !h.claim.held {
		f := protocol.Error(protocol.CodeNotHolder, "no claim is held", h.name)
		return &f
	}
	h.audit.Record(AuditEvent{Kind: AuditForcedRelease, Session: h.name, Actor: p.UserID, Detail: h.claim.holderID, At: time.Now()})
	h.releaseClaim(protocol.ReasonForced, p.UserID)
	return nil
}

// releaseClaim clears a held claim and broadcasts released. Reason is empty
// for a voluntary release.
func (h *Hub) releaseClaim(reason, actor string) {
	if !h.claim.held {
		return
	}
	now := time.Now()
	h.claim = claimState{}
	h.claimGen++
	h.cancelExpiry()
	h.metrics.HeldClaims.Dec()
	kind := "released"
	if reason != "" {
		kind = reason
	}
	h.metrics.Claims.WithLabelValues(kind).Inc()
	if reason != protocol.ReasonForced {
		// forced_release is recorded by the caller with the acting admin.
		h.audit.Record(AuditEvent{Kind: AuditClaimReleased, Session: h.name, Actor: actor, Detail: reason, At: now})
	}
	h.broadcastPriority(protocol.Released(h.name, reason))
}

func (h *Hub) handleClaimExpired(gen uint64) {
	if !h.claim.held || gen != h.claimGen {
		return
	}
	h.releaseClaim(protocol.ReasonExpired, h.claim.holderID)
}

// scheduleExpiry arms the lease timer for the current claim generation.
// Renewals bump the generation so a stale timer firing is ignored.
func (h *Hub) scheduleExpiry() {
	h.claimGen++
	h.cancelExpiry()
	gen := h.claimGen
	h.claimTimer = time.AfterFunc(h.opts.ClaimLeaseMax, func() {
		_ = h.post(evClaimExpired{gen: gen})
	})
}

func (h *Hub) cancelExpiry() {
	if h.claimTimer != nil {
		h.claimTimer.Stop()
		h.claimTimer = nil
	}
}

// releaseIfHolderGone releases the claim when the departing subscriber was
// the holder's last connection to this session.
func (h *Hub) releaseIfHolderGone(departed *Subscriber) {
	if !h.claim.held || h.claim.holderID != departed.Principal().UserID {
		return
	}
	for member := range h.members {
		if member != departed && member.Principal().UserID == h.claim.holderID {
			return
		}
	}
	h.releaseClaim(protocol.ReasonHolderGone, h.claim.holderID)
}
