package store

import (
	"github.com/rs/zerolog"

	"termshare/internal/hub"
	"termshare/internal/protocol"
)

const auditQueueSize = 256

// AuditWriter bridges hub audit events into the database without blocking
// hub event loops. Events queue onto a channel drained by one goroutine; a
// full queue drops the event rather than stalling a session.
type AuditWriter struct {
	store *Store
	log   zerolog.Logger
	ch    chan hub.AuditEvent
	done  chan struct{}
}

func NewAuditWriter(s *Store, log zerolog.Logger) *AuditWriter {
	w := &AuditWriter{
		store: s,
		log:   log.With().Str("component", "audit").Logger(),
		ch:    make(chan hub.AuditEvent, auditQueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Record queues one event. Safe to call from hub loops.
func (w *AuditWriter) Record(ev hub.AuditEvent) {
	select {
	case w.ch <- ev:
	default:
		w.log.Warn().Str("kind", ev.Kind).Str("session", ev.Session).Msg("audit queue full, event dropped")
	}
}

// Close drains the queue and stops the writer. Call only after every hub
// has shut down.
func (w *AuditWriter) Close() {
	close(w.ch)
	<-w.done
}

func (w *AuditWriter) run() {
	defer close(w.done)
	for ev := range w.ch {
		w.apply(ev)
	}
}

func (w *AuditWriter) apply(ev hub.AuditEvent) {
	switch ev.Kind {
	case hub.AuditClaimAcquired:
		if err := w.store.OpenClaim(ev.Session, ev.Actor, ev.At); err != nil {
			w.log.Error().Err(err).Str("session", ev.Session).Msg("open claim row failed")
		}
	case hub.AuditClaimReleased:
		reason := ev.Detail
		if reason == "" {
			reason = "released"
		}
		if err := w.store.CloseClaim(ev.Session, reason, ev.At); err != nil {
			w.log.Error().Err(err).Str("session", ev.Session).Msg("close claim row failed")
		}
	case hub.AuditForcedRelease:
		if err := w.store.CloseClaim(ev.Session, protocol.ReasonForced, ev.At); err != nil {
			w.log.Error().Err(err).Str("session", ev.Session).Msg("close claim row failed")
		}
	}

	if err := w.store.AppendAudit(AuditEvent{
		At:      ev.At,
		Kind:    ev.Kind,
		Session: ev.Session,
		Actor:   ev.Actor,
		Detail:  ev.Detail,
	}); err != nil {
		w.log.Error().Err(err).Str("kind", ev.Kind).Msg("audit append failed")
	}
}
