package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"termshare/internal/metrics"
	"termshare/internal/multiplexer"
)

// Registry is the process-wide name -> hub map. Creation is atomic:
// concurrent resolvers for one name join the same hub.
type Registry struct {
	mux     multiplexer.Multiplexer
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	audit   AuditSink

	mu   sync.Mutex
	hubs map[string]*Hub
}

func NewRegistry(mux multiplexer.Multiplexer, opts Options, log zerolog.Logger, m *metrics.Metrics, audit AuditSink) *Registry {
	if audit == nil {
		audit = NopSink{}
	}
	return &Registry{
		mux:     mux,
		opts:    opts,
		log:     log.With().Str("component", "registry").Logger(),
		metrics: m,
		audit:   audit,
		hubs:    make(map[string]*Hub),
	}
}

// Resolve returns the live hub for name, creating one when the name is
// known to the multiplexer. The attach happens outside the lock; a losing
// racer detaches its own handle and joins the winner.
func (r *Registry) Resolve(ctx context.Context, name string) (*Hub, error) {
	if h := r.Get(name); h != nil {
		return h, nil
	}

	handle, err := r.mux.Attach(ctx, name)
	if err != nil {
		return nil, err
	}
	screen, err := r.mux.Capture(name)
	if err != nil {
		screen = nil
	}

	h := newHub(name, handle, screen, r.mux, r.opts, r.log, r.metrics, r.audit, r.remove)

	r.mu.Lock()
	if existing, ok := r.hubs[name]; ok && !existing.isDone() {
		r.mu.Unlock()
		_ = handle.Detach()
		return existing, nil
	}
	r.hubs[name] = h
	r.mu.Unlock()

	r.metrics.ActiveSessions.Inc()
	h.start()
	r.log.Info().Str("session", name).Msg("hub created")
	return h, nil
}

// Get returns the live hub for name or nil.
func (r *Registry) Get(name string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[name]; ok && !h.isDone() {
		return h
	}
	return nil
}

// Hubs snapshots the live hubs.
func (r *Registry) Hubs() []*Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		if !h.isDone() {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) remove(h *Hub) {
	r.mu.Lock()
	if r.hubs[h.name] == h {
		delete(r.hubs, h.name)
	}
	r.mu.Unlock()
	r.metrics.ActiveSessions.Dec()
}

// Gc runs one reap sweep over all hubs.
func (r *Registry) Gc() {
	for _, h := range r.Hubs() {
		h.reapCheck()
	}
}

// Run drives periodic gc sweeps until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.opts.ReapGrace
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Gc()
		}
	}
}

// Shutdown broadcasts SERVER_SHUTDOWN through every hub and waits for them
// to drain, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	hubs := r.Hubs()
	for _, h := range hubs {
		h.Shutdown()
	}
	for _, h := range hubs {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
