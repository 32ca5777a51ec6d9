package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"termshare/internal/auth"
	"termshare/internal/authz"
	"termshare/internal/hub"
	"termshare/internal/multiplexer"
	"termshare/internal/protocol"
	"termshare/internal/store"
)

const inviteTTL = 7 * 24 * time.Hour

// Handler serves the REST surface: session listing and lifecycle, the lock
// endpoints mirroring the wire claim semantics, invites, and audit.
type Handler struct {
	registry *hub.Registry
	mux      multiplexer.Multiplexer
	store    *store.Store
	verifier *auth.Verifier
	log      zerolog.Logger
}

func NewHandler(registry *hub.Registry, mux multiplexer.Multiplexer, st *store.Store, verifier *auth.Verifier, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		mux:      mux,
		store:    st,
		verifier: verifier,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Register mounts all routes on mux.
func (h *Handler) Register(m *http.ServeMux) {
	m.HandleFunc("GET /api/terminal/sessions", RequireAuth(h.verifier, h.handleListSessions))
	m.HandleFunc("POST /api/terminal/sessions", RequireRole(h.verifier, authz.ActionCreateSession, h.handleCreateSession))
	m.HandleFunc("DELETE /api/terminal/sessions/{name}", RequireRole(h.verifier, authz.ActionKillSession, h.handleKillSession))
	m.HandleFunc("POST /api/terminal/sessions/{name}/lock", RequireAuth(h.verifier, h.handleLock))
	m.HandleFunc("POST /api/terminal/sessions/{name}/release", RequireAuth(h.verifier, h.handleRelease))
	m.HandleFunc("GET /api/terminal/locks", RequireAuth(h.verifier, h.handleLocks))
	m.HandleFunc("GET /api/audit", RequireRole(h.verifier, authz.ActionReadAudit, h.handleAudit))
	m.HandleFunc("POST /api/invites", RequireRole(h.verifier, authz.ActionManageInvites, h.handleCreateInvite))
	m.HandleFunc("GET /api/invites", RequireRole(h.verifier, authz.ActionManageInvites, h.handleListInvites))
	m.HandleFunc("DELETE /api/invites/{id}", RequireRole(h.verifier, authz.ActionManageInvites, h.handleDeleteInvite))
	m.HandleFunc("POST /api/invites/redeem", h.handleRedeemInvite)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.mux.List()
	if err != nil {
		writeError(w, http.StatusBadGateway, "multiplexer unavailable")
		return
	}
	if sessions == nil {
		sessions = []multiplexer.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type createSessionRequest struct {
	Name       string `json:"name"`
	Command    string `json:"command,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.mux.Create(req.Name, req.Command, req.WorkingDir); err != nil {
		if errors.Is(err, multiplexer.ErrInvalidArgs) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "create failed")
		return
	}
	h.log.Info().Str("session", req.Name).Str("by", PrincipalFrom(r.Context()).UserID).Msg("session created")
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (h *Handler) handleKillSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.mux.Kill(name); err != nil {
		if errors.Is(err, multiplexer.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusBadGateway, "kill failed")
		return
	}
	// The hub notices the lost reader and tears itself down with
	// SESSION_LOST; nothing to do here.
	h.log.Info().Str("session", name).Str("by", PrincipalFrom(r.Context()).UserID).Msg("session killed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	h.applyLock(w, r, (*hub.Hub).ClaimFor)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.applyLock(w, r, (*hub.Hub).ReleaseFor)
}

func (h *Handler) applyLock(w http.ResponseWriter, r *http.Request, op func(*hub.Hub, context.Context, string) error) {
	name := r.PathValue("name")
	p := PrincipalFrom(r.Context())

	target := h.registry.Get(name)
	if target == nil {
		writeError(w, http.StatusConflict, "no live subscription to session")
		return
	}
	err := op(target, r.Context(), p.UserID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, hub.ErrNotSubscribed):
		writeError(w, http.StatusConflict, "no live subscription to session")
	default:
		var claimErr *hub.ClaimError
		if errors.As(err, &claimErr) {
			status := http.StatusConflict
			if claimErr.Code == protocol.CodeForbidden {
				status = http.StatusForbidden
			}
			writeError(w, status, claimErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "lock operation failed")
	}
}

func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) {
	var locks []hub.ClaimInfo
	for _, target := range h.registry.Hubs() {
		info, err := target.ClaimSnapshot(r.Context())
		if err != nil {
			continue
		}
		if info.Held {
			locks = append(locks, info)
		}
	}
	if locks == nil {
		locks = []hub.ClaimInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.store.ListAudit(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit read failed")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type createInviteRequest struct {
	Role string `json:"role"`
}

func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, err := authz.ParseRole(req.Role); err != nil {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}

	token := auth.NewInviteToken()
	inv, err := h.store.CreateInvite(auth.HashToken(token), req.Role, PrincipalFrom(r.Context()).UserID, time.Now().Add(inviteTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invite creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"invite": inv,
		"token":  token,
	})
}

func (h *Handler) handleListInvites(w http.ResponseWriter, _ *http.Request) {
	invites, err := h.store.ListInvites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invite listing failed")
		return
	}
	if invites == nil {
		invites = []store.Invite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

func (h *Handler) handleDeleteInvite(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteInvite(r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invite not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "invite deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemRequest struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

func (h *Handler) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "token and name are required")
		return
	}
	if !auth.ValidInviteToken(req.Token) {
		writeError(w, http.StatusBadRequest, "malformed token")
		return
	}

	user, err := h.store.RedeemInvite(auth.HashToken(req.Token), req.Name)
	if err != nil {
		if errors.Is(err, store.ErrInviteConsumed) {
			writeError(w, http.StatusGone, "invite expired or already redeemed")
			return
		}
		writeError(w, http.StatusInternalServerError, "redeem failed")
		return
	}

	role, err := authz.ParseRole(user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "redeem failed")
		return
	}
	jwt, err := h.verifier.Issue(auth.Principal{UserID: user.ID, Name: user.Name, Role: role})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": jwt})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
