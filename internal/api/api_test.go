package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termshare/internal/auth"
	"termshare/internal/authz"
	"termshare/internal/hub"
	"termshare/internal/metrics"
	"termshare/internal/multiplexer"
	"termshare/internal/store"
)

type testEnv struct {
	srv      *httptest.Server
	fake     *multiplexer.Fake
	registry *hub.Registry
	store    *store.Store
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := multiplexer.NewFake("dev")
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verifier := auth.NewVerifier("test-secret", time.Hour)
	registry := hub.NewRegistry(fake, hub.Options{}, zerolog.Nop(), metrics.New(), hub.NopSink{})

	mux := http.NewServeMux()
	NewHandler(registry, fake, st, verifier, zerolog.Nop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, fake: fake, registry: registry, store: st, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, user string, role authz.Role) string {
	t.Helper()
	token, err := e.verifier.Issue(auth.Principal{UserID: user, Name: user, Role: role})
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *testEnv) subscribe(t *testing.T, session, user string, role authz.Role) *hub.Hub {
	t.Helper()
	h, err := e.registry.Resolve(context.Background(), session)
	require.NoError(t, err)
	sub := hub.NewSubscriber(auth.Principal{UserID: user, Name: user, Role: role}, session, 1, 64, 32)
	require.NoError(t, h.Subscribe(sub))
	return h
}

func TestRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "GET", "/api/terminal/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "GET", "/api/terminal/sessions", e.token(t, "vic", authz.RoleViewer), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []multiplexer.SessionInfo `json:"sessions"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "dev", body.Sessions[0].Name)
}

func TestCreateSession(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "POST", "/api/terminal/sessions", e.token(t, "vic", authz.RoleViewer),
		map[string]string{"name": "scratch"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	op := e.token(t, "alice", authz.RoleOperator)
	resp = e.do(t, "POST", "/api/terminal/sessions", op, map[string]string{"name": "scratch"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, "POST", "/api/terminal/sessions", op, map[string]string{"name": "scratch"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, "POST", "/api/terminal/sessions", op, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKillSession(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "DELETE", "/api/terminal/sessions/dev", e.token(t, "alice", authz.RoleOperator), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := e.token(t, "root", authz.RoleAdmin)
	resp = e.do(t, "DELETE", "/api/terminal/sessions/dev", admin, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = e.do(t, "DELETE", "/api/terminal/sessions/dev", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLockRequiresLiveSubscription(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "POST", "/api/terminal/sessions/dev/lock", e.token(t, "alice", authz.RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLockAndRelease(t *testing.T) {
	e := newTestEnv(t)
	e.subscribe(t, "dev", "alice", authz.RoleOperator)
	e.subscribe(t, "dev", "vic", authz.RoleViewer)
	alice := e.token(t, "alice", authz.RoleOperator)

	// A subscribed viewer still lacks the authority.
	resp := e.do(t, "POST", "/api/terminal/sessions/dev/lock", e.token(t, "vic", authz.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, "POST", "/api/terminal/sessions/dev/lock", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "GET", "/api/terminal/locks", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var locks struct {
		Locks []hub.ClaimInfo `json:"locks"`
	}
	decode(t, resp, &locks)
	require.Len(t, locks.Locks, 1)
	assert.Equal(t, "dev", locks.Locks[0].SessionName)
	assert.Equal(t, "alice", locks.Locks[0].HolderID)

	resp = e.do(t, "POST", "/api/terminal/sessions/dev/release", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, "GET", "/api/terminal/locks", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	locks.Locks = nil
	decode(t, resp, &locks)
	assert.Empty(t, locks.Locks)
}

func TestInviteFlow(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "root", authz.RoleAdmin)
	require.NoError(t, e.store.UpsertUser(store.User{ID: "root", Name: "root", Role: "admin", CreatedAt: time.Now().UTC()}))

	resp := e.do(t, "POST", "/api/invites", e.token(t, "alice", authz.RoleOperator),
		map[string]string{"role": "operator"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, "POST", "/api/invites", admin, map[string]string{"role": "king"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, "POST", "/api/invites", admin, map[string]string{"role": "operator"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Invite store.Invite `json:"invite"`
		Token  string       `json:"token"`
	}
	decode(t, resp, &created)
	require.NotEmpty(t, created.Token)

	resp = e.do(t, "GET", "/api/invites", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Invites []store.Invite `json:"invites"`
	}
	decode(t, resp, &listed)
	require.Len(t, listed.Invites, 1)

	// Redemption needs no auth and yields a working token.
	resp = e.do(t, "POST", "/api/invites/redeem", "",
		map[string]string{"token": created.Token, "name": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var redeemed struct {
		User  store.User `json:"user"`
		Token string     `json:"token"`
	}
	decode(t, resp, &redeemed)
	assert.Equal(t, "bob", redeemed.User.Name)

	p, err := e.verifier.Verify(redeemed.Token)
	require.NoError(t, err)
	assert.Equal(t, authz.RoleOperator, p.Role)
	assert.Equal(t, redeemed.User.ID, p.UserID)

	// One-time use.
	resp = e.do(t, "POST", "/api/invites/redeem", "",
		map[string]string{"token": created.Token, "name": "carol"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	resp = e.do(t, "DELETE", "/api/invites/"+created.Invite.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(t, "DELETE", "/api/invites/"+created.Invite.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRedeemMalformedToken(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(t, "POST", "/api/invites/redeem", "",
		map[string]string{"token": "nope", "name": "bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuditEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "GET", "/api/audit", e.token(t, "vic", authz.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, e.store.AppendAudit(store.AuditEvent{Kind: "claim_acquired", Session: "dev", Actor: "alice"}))

	resp = e.do(t, "GET", "/api/audit", e.token(t, "root", authz.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Events []store.AuditEvent `json:"events"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "claim_acquired", body.Events[0].Kind)
}
