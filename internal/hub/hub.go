package hub

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"termshare/internal/authz"
	"termshare/internal/metrics"
	"termshare/internal/multiplexer"
	"termshare/internal/protocol"
)

var ErrHubClosed = errors.New("session hub closed")

const (
	inboxSize      = 512
	readBufferSize = 32 * 1024
	screenCacheMax = 128 * 1024
	resizeFlushLag = 100 * time.Millisecond
)

// Options are the per-hub tunables, normally derived from config.
type Options struct {
	ClaimLeaseMax     time.Duration
	ClaimIdleMax      time.Duration
	OutputQueue       int
	PriorityQueue     int
	HeartbeatInterval time.Duration
	ReapGrace         time.Duration
	PresenceIdle      time.Duration
	PresenceEvict     time.Duration
}

func (o *Options) withDefaults() {
	if o.ClaimLeaseMax <= 0 {
		o.ClaimLeaseMax = 120 * time.Second
	}
	if o.ClaimIdleMax <= 0 {
		o.ClaimIdleMax = 60 * time.Second
	}
	if o.OutputQueue <= 0 {
		o.OutputQueue = 256
	}
	if o.PriorityQueue <= 0 {
		o.PriorityQueue = 64
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.ReapGrace <= 0 {
		o.ReapGrace = 30 * time.Second
	}
	if o.PresenceIdle <= 0 {
		o.PresenceIdle = 10 * time.Minute
	}
	if o.PresenceEvict <= 0 {
		o.PresenceEvict = 30 * time.Minute
	}
}

// Hub owns all mutable state of one session: membership, claim, presence,
// the output reader, and the broadcast fabric. Every mutation is serialized
// through the inbox consumer.
type Hub struct {
	name    string
	mux     multiplexer.Multiplexer
	log     zerolog.Logger
	metrics *metrics.Metrics
	audit   AuditSink
	opts    Options
	onClose func(*Hub)

	inbox chan event
	done  chan struct{}

	// Loop-owned state below.
	members            map[*Subscriber]struct{}
	claim              claimState
	claimGen           uint64
	claimTimer         *time.Timer
	lastHolderActivity time.Time
	lastSeq            uint64
	screen             []byte
	emptySince         time.Time
	closed             bool
	handle             multiplexer.OutputHandle

	resizeLimiter  *rate.Limiter
	pendingResize  *[2]int
	pendingResizer *Subscriber
	flushScheduled bool
}

func newHub(name string, handle multiplexer.OutputHandle, screen []byte, mux multiplexer.Multiplexer,
	opts Options, log zerolog.Logger, m *metrics.Metrics, audit AuditSink, onClose func(*Hub)) *Hub {
	opts.withDefaults()
	h := &Hub{
		name:          name,
		mux:           mux,
		log:           log.With().Str("component", "hub").Str("session", name).Logger(),
		metrics:       m,
		audit:         audit,
		opts:          opts,
		onClose:       onClose,
		inbox:         make(chan event, inboxSize),
		done:          make(chan struct{}),
		members:       make(map[*Subscriber]struct{}),
		screen:        screen,
		emptySince:    time.Now(),
		handle:        handle,
		resizeLimiter: rate.NewLimiter(rate.Limit(10), 1),
	}
	return h
}

func (h *Hub) start() {
	go h.run()
	go h.readLoop()
}

func (h *Hub) Name() string { return h.name }

// Done is closed when the hub has torn down.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) post(ev event) error {
	select {
	case h.inbox <- ev:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Subscribe adds sub to the session. The claim snapshot and a presence
// update arrive on sub's priority lane; the cached screen arrives on the
// output lane.
func (h *Hub) Subscribe(sub *Subscriber) error { return h.post(evSubscribe{sub: sub}) }

func (h *Hub) Unsubscribe(sub *Subscriber) error { return h.post(evUnsubscribe{sub: sub}) }

func (h *Hub) Input(sub *Subscriber, data []byte) error {
	return h.post(evInput{sub: sub, data: data})
}

func (h *Hub) Resize(sub *Subscriber, cols, rows int) error {
	return h.post(evResize{sub: sub, cols: cols, rows: rows})
}

func (h *Hub) Claim(sub *Subscriber) error        { return h.post(evClaim{sub: sub}) }
func (h *Hub) Release(sub *Subscriber) error      { return h.post(evRelease{sub: sub}) }
func (h *Hub) ForceRelease(sub *Subscriber) error { return h.post(evForceRelease{sub: sub}) }

// Shutdown broadcasts SERVER_SHUTDOWN and tears the hub down.
func (h *Hub) Shutdown() { _ = h.post(evShutdown{}) }

// ClaimSnapshot returns the current claim state for the REST surface.
func (h *Hub) ClaimSnapshot(ctx context.Context) (ClaimInfo, error) {
	reply := make(chan ClaimInfo, 1)
	if err := h.post(evClaimQuery{reply: reply}); err != nil {
		return ClaimInfo{}, err
	}
	select {
	case info := <-reply:
		return info, nil
	case <-ctx.Done():
		return ClaimInfo{}, ctx.Err()
	case <-h.done:
		return ClaimInfo{}, ErrHubClosed
	}
}

var ErrNotSubscribed = errors.New("user has no live subscription to this session")

// ClaimFor and ReleaseFor back the REST lock endpoints. They act through
// the user's live subscriber; a user with no subscription cannot claim.
func (h *Hub) ClaimFor(ctx context.Context, userID string) error {
	reply := make(chan error, 1)
	if err := h.post(evRestClaim{userID: userID, reply: reply}); err != nil {
		return err
	}
	return h.awaitErr(ctx, reply)
}

func (h *Hub) ReleaseFor(ctx context.Context, userID string) error {
	reply := make(chan error, 1)
	if err := h.post(evRestRelease{userID: userID, reply: reply}); err != nil {
		return err
	}
	return h.awaitErr(ctx, reply)
}

func (h *Hub) awaitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// reapCheck is called by the registry's gc sweep. It returns true when the
// hub destroyed itself (no members, no claim, grace elapsed).
func (h *Hub) reapCheck() bool {
	reply := make(chan bool, 1)
	if err := h.post(evReapCheck{reply: reply}); err != nil {
		return true
	}
	select {
	case reaped := <-reply:
		return reaped
	case <-h.done:
		return true
	}
}

// readLoop is the single output reader. It assigns the per-session seq and
// feeds the loop; a read error means the session is lost.
func (h *Hub) readLoop() {
	buf := make([]byte, readBufferSize)
	var seq uint64
	for {
		n, err := h.handle.Read(buf)
		if n > 0 {
			seq++
			data := make([]byte, n)
			copy(data, buf[:n])
			if h.post(evOutput{data: data, seq: seq}) != nil {
				return
			}
		}
		if err != nil {
			_ = h.post(evLost{})
			return
		}
	}
}

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("hub loop panicked")
			h.teardown(protocol.CodeIO, "internal error")
		}
	}()
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.inbox:
			h.dispatch(ev)
		case <-ticker.C:
			h.handleTick()
		}
		if h.closed {
			return
		}
	}
}

func (h *Hub) dispatch(ev event) {
	switch e := ev.(type) {
	case evSubscribe:
		h.handleSubscribe(e.sub)
	case evUnsubscribe:
		h.handleUnsubscribe(e.sub)
	case evInput:
		h.handleInput(e.sub, e.data)
	case evResize:
		h.handleResize(e.sub, e.cols, e.rows)
	case evResizeFlush:
		h.flushScheduled = false
		h.flushResize()
	case evClaim:
		if f := h.applyClaim(e.sub); f != nil {
			h.replyOrEvict(e.sub, *f)
		}
	case evRelease:
		if f := h.applyRelease(e.sub); f != nil {
			h.replyOrEvict(e.sub, *f)
		}
	case evForceRelease:
		if f := h.applyForceRelease(e.sub); f != nil {
			h.replyOrEvict(e.sub, *f)
		}
	case evClaimExpired:
		h.handleClaimExpired(e.gen)
	case evOutput:
		h.handleOutput(e.data, e.seq)
	case evLost:
		h.handleLost()
	case evShutdown:
		h.teardown(protocol.CodeServerShutdown, "server shutting down")
	case evReapCheck:
		e.reply <- h.maybeReap()
	case evClaimQuery:
		e.reply <- h.claimInfo()
	case evRestClaim:
		e.reply <- h.restApply(e.userID, h.applyClaim)
	case evRestRelease:
		e.reply <- h.restApply(e.userID, h.applyRelease)
	}
}

func (h *Hub) handleSubscribe(sub *Subscriber) {
	if !authz.Allows(sub.Principal().Role, authz.ActionView) {
		sub.enqueuePriority(protocol.Error(protocol.CodeForbidden, "viewing is not permitted", h.name))
		sub.signalRemoval()
		return
	}

	h.members[sub] = struct{}{}
	h.emptySince = time.Time{}
	h.metrics.ActiveSubscribers.Inc()

	if len(h.screen) > 0 {
		// Late joiners see the current screen; the duplicate seq is
		// harmless since gaps, not reorderings, are the contract.
		sub.enqueueOutput(protocol.Output(h.name, h.lastSeq, h.screen))
	}
	if h.claim.held {
		sub.enqueuePriority(protocol.Claimed(h.name,
			protocol.UserRef{ID: h.claim.holderID, Name: h.claim.holderName}, h.claim.expiresAt, ""))
	}
	h.broadcastPresence()
	h.log.Debug().Str("user", sub.Principal().UserID).Int("members", len(h.members)).Msg("subscribed")
}

func (h *Hub) handleUnsubscribe(sub *Subscriber) {
	if _, ok := h.members[sub]; !ok {
		sub.signalRemoval()
		return
	}
	h.releaseIfHolderGone(sub)
	h.removeMember(sub)
	h.broadcastPresence()
}

// removeMember deletes sub from membership and fires the single-shot
// removal signal. Presence is broadcast by the caller so a released frame
// caused by the departure orders before the presence change.
func (h *Hub) removeMember(sub *Subscriber) {
	delete(h.members, sub)
	h.metrics.ActiveSubscribers.Dec()
	sub.signalRemoval()
	if len(h.members) == 0 {
		h.emptySince = time.Now()
	}
}

func (h *Hub) handleInput(sub *Subscriber, data []byte) {
	p := sub.Principal()
	// Holdership first: any non-holder gets NOT_HOLDER, whatever their role.
	if !h.claim.held || h.claim.holderID != p.UserID {
		h.replyOrEvict(sub, protocol.Error(protocol.CodeNotHolder, "claim the session before sending input", h.name))
		return
	}
	if !authz.Allows(p.Role, authz.ActionSendKeys) {
		h.replyOrEvict(sub, protocol.Error(protocol.CodeForbidden, "sending input requires the operator role", h.name))
		return
	}

	h.lastHolderActivity = time.Now()
	if err := h.mux.Write(h.name, data); err != nil {
		code := protocol.CodeIO
		if errors.Is(err, multiplexer.ErrNotFound) {
			code = protocol.CodeNotFound
		}
		h.log.Warn().Err(err).Msg("input write failed")
		h.replyOrEvict(sub, protocol.Error(code, "input write failed", h.name))
	}
}

// handleResize coalesces bursts: at most 10 resizes per second reach the
// multiplexer, keeping only the most recent pending geometry.
func (h *Hub) handleResize(sub *Subscriber, cols, rows int) {
	p := sub.Principal()
	if !h.claim.held || h.claim.holderID != p.UserID {
		h.replyOrEvict(sub, protocol.Error(protocol.CodeNotHolder, "claim the session before resizing", h.name))
		return
	}
	if !authz.Allows(p.Role, authz.ActionSendKeys) {
		h.replyOrEvict(sub, protocol.Error(protocol.CodeForbidden, "resizing requires the operator role", h.name))
		return
	}

	h.lastHolderActivity = time.Now()
	h.pendingResize = &[2]int{cols, rows}
	h.pendingResizer = sub
	if h.resizeLimiter.Allow() {
		h.flushResize()
	} else if !h.flushScheduled {
		h.flushScheduled = true
		time.AfterFunc(resizeFlushLag, func() { _ = h.post(evResizeFlush{}) })
	}
}

func (h *Hub) flushResize() {
	if h.pendingResize == nil {
		return
	}
	cols, rows := h.pendingResize[0], h.pendingResize[1]
	sub := h.pendingResizer
	h.pendingResize, h.pendingResizer = nil, nil

	if err := h.mux.Resize(h.name, cols, rows); err != nil {
		code := protocol.CodeIO
		switch {
		case errors.Is(err, multiplexer.ErrNotFound):
			code = protocol.CodeNotFound
		case errors.Is(err, multiplexer.ErrInvalidArgs):
			code = protocol.CodeBadFrame
		}
		if sub != nil {
			h.replyOrEvict(sub, protocol.Error(code, "resize failed", h.name))
		}
	}
}

func (h *Hub) handleOutput(data []byte, seq uint64) {
	h.lastSeq = seq
	h.screen = append(h.screen, data...)
	if len(h.screen) > screenCacheMax {
		h.screen = h.screen[len(h.screen)-screenCacheMax:]
	}

	h.metrics.OutputFrames.Inc()
	h.metrics.OutputBytes.Add(float64(len(data)))

	frame := protocol.Output(h.name, seq, data)
	var evicted []*Subscriber
	for sub := range h.members {
		dropped, ok := sub.enqueueOutput(frame)
		if dropped > 0 {
			h.metrics.DroppedFrames.Add(float64(dropped))
		}
		if !ok {
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		h.evict(sub, protocol.CodeSlowConsumer, "subscriber cannot keep up with output")
	}
}

// evict removes a subscriber for cause. The reason frame goes out on the
// priority lane best-effort; a released frame for a departing holder is
// broadcast before the presence update reflecting the removal.
func (h *Hub) evict(sub *Subscriber, code, message string) {
	if _, ok := h.members[sub]; !ok {
		return
	}
	sub.enqueuePriority(protocol.Error(code, message, h.name))
	h.metrics.Evictions.WithLabelValues(code).Inc()
	h.releaseIfHolderGone(sub)
	h.removeMember(sub)
	h.broadcastPresence()
	h.log.Info().Str("user", sub.Principal().UserID).Str("reason", code).Msg("subscriber evicted")
}

// replyOrEvict sends a state frame to one subscriber; a full priority lane
// means the subscriber is hopelessly behind and is evicted instead.
func (h *Hub) replyOrEvict(sub *Subscriber, f protocol.ServerFrame) {
	if !sub.enqueuePriority(f) {
		h.evict(sub, protocol.CodeSlowConsumer, "priority lane overflow")
	}
}

// broadcastPriority fans a state frame to every member, evicting any whose
// priority lane is full.
func (h *Hub) broadcastPriority(f protocol.ServerFrame) {
	var evicted []*Subscriber
	for sub := range h.members {
		if !sub.enqueuePriority(f) {
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		h.evict(sub, protocol.CodeSlowConsumer, "priority lane overflow")
	}
}

func (h *Hub) sendToUser(userID string, f protocol.ServerFrame) {
	for sub := range h.members {
		if sub.Principal().UserID == userID {
			h.replyOrEvict(sub, f)
		}
	}
}

// broadcastPresence derives the deduplicated snapshot and fans it out.
// A user with several connections appears once; idle only when every one
// of their connections is idle.
func (h *Hub) broadcastPresence() {
	byUser := make(map[string]*protocol.PresenceUser)
	var order []string
	for sub := range h.members {
		p := sub.Principal()
		entry, ok := byUser[p.UserID]
		if !ok {
			byUser[p.UserID] = &protocol.PresenceUser{ID: p.UserID, Name: p.Name, Avatar: p.Avatar, Idle: sub.idle}
			order = append(order, p.UserID)
			continue
		}
		entry.Idle = entry.Idle && sub.idle
	}
	sort.Strings(order)

	users := make([]protocol.PresenceUser, 0, len(order))
	for _, id := range order {
		users = append(users, *byUser[id])
	}
	h.broadcastPriority(protocol.Presence(h.name, users))
}

// handleTick drives the idle watchdogs: presence idle flips, idle
// eviction, and claim idle expiry.
func (h *Hub) handleTick() {
	now := time.Now()
	presenceChanged := false
	var evicted []*Subscriber

	for sub := range h.members {
		age := now.Sub(sub.lastActive())
		switch {
		case age > h.opts.PresenceEvict:
			evicted = append(evicted, sub)
		case age > h.opts.PresenceIdle && !sub.idle:
			sub.idle = true
			presenceChanged = true
		case age <= h.opts.PresenceIdle && sub.idle:
			sub.idle = false
			presenceChanged = true
		}
	}
	for _, sub := range evicted {
		h.evict(sub, protocol.CodeIdleTimeout, "idle for too long")
	}
	if presenceChanged {
		h.broadcastPresence()
	}

	if h.claim.held && now.Sub(h.lastHolderActivity) > h.opts.ClaimIdleMax {
		h.releaseClaim(protocol.ReasonExpired, h.claim.holderID)
	}
}

func (h *Hub) restApply(userID string, apply func(*Subscriber) *protocol.ServerFrame) error {
	var target *Subscriber
	for sub := range h.members {
		if sub.Principal().UserID == userID {
			target = sub
			break
		}
	}
	if target == nil {
		return ErrNotSubscribed
	}
	if f := apply(target); f != nil {
		return &ClaimError{Code: f.Code, Message: f.Message}
	}
	return nil
}

// ClaimError surfaces an arbiter refusal to the REST layer with the same
// code a wire client would see.
type ClaimError struct {
	Code    string
	Message string
}

func (e *ClaimError) Error() string { return e.Code + ": " + e.Message }

func (h *Hub) maybeReap() bool {
	if len(h.members) > 0 || h.claim.held || h.emptySince.IsZero() {
		return false
	}
	if time.Since(h.emptySince) < h.opts.ReapGrace {
		return false
	}
	h.log.Debug().Msg("reaping idle hub")
	h.close()
	return true
}

func (h *Hub) handleLost() {
	h.audit.Record(AuditEvent{Kind: AuditSessionLost, Session: h.name, At: time.Now()})
	h.teardown(protocol.CodeSessionLost, "multiplexer session lost")
}

// teardown broadcasts a terminal error to every member and destroys the
// hub. Subsequent subscribes to the name create a fresh hub.
func (h *Hub) teardown(code, message string) {
	for sub := range h.members {
		sub.enqueuePriority(protocol.Error(code, message, h.name))
		sub.signalRemoval()
		h.metrics.ActiveSubscribers.Dec()
	}
	h.members = make(map[*Subscriber]struct{})
	h.close()
}

func (h *Hub) close() {
	if h.closed {
		return
	}
	h.closed = true
	if h.claim.held {
		h.metrics.HeldClaims.Dec()
	}
	h.cancelExpiry()
	_ = h.handle.Detach()
	if h.onClose != nil {
		h.onClose(h)
	}
	close(h.done)
	h.log.Debug().Msg("hub closed")
}
