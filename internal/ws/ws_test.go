package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termshare/internal/auth"
	"termshare/internal/authz"
	"termshare/internal/config"
	"termshare/internal/hub"
	"termshare/internal/metrics"
	"termshare/internal/multiplexer"
	"termshare/internal/protocol"
)

func testConfig() config.Config {
	return config.Config{
		OutputQueueSize:     64,
		PriorityQueueSize:   32,
		ClaimLeaseMaxSec:    120,
		ClaimIdleMaxSec:     60,
		WriteDeadlineMS:     2000,
		PingIntervalMS:      5000,
		HubReapGraceMS:      30000,
		HeartbeatIntervalMS: 15000,
		PresenceIdleSec:     600,
		PresenceEvictSec:    1800,
	}
}

func newTestEnv(t *testing.T) (*httptest.Server, *multiplexer.Fake, *auth.Verifier) {
	t.Helper()
	return newTestEnvCfg(t, testConfig())
}

func newTestEnvCfg(t *testing.T, cfg config.Config) (*httptest.Server, *multiplexer.Fake, *auth.Verifier) {
	t.Helper()
	fake := multiplexer.NewFake("dev")
	verifier := auth.NewVerifier("test-secret", time.Hour)

	reg := hub.NewRegistry(fake, hub.Options{
		ClaimLeaseMax:     cfg.ClaimLeaseMax(),
		ClaimIdleMax:      cfg.ClaimIdleMax(),
		OutputQueue:       cfg.OutputQueueSize,
		PriorityQueue:     cfg.PriorityQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReapGrace:         cfg.HubReapGrace(),
		PresenceIdle:      cfg.PresenceIdle(),
		PresenceEvict:     cfg.PresenceEvict(),
	}, zerolog.Nop(), metrics.New(), hub.NopSink{})

	h := NewHandler(reg, verifier, cfg, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv, fake, verifier
}

func issueToken(t *testing.T, v *auth.Verifier, user string, role authz.Role) string {
	t.Helper()
	token, err := v.Issue(auth.Principal{UserID: user, Name: user, Role: role})
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// readUntil decodes frames until one of the wanted type arrives.
func readUntil(t *testing.T, c *websocket.Conn, frameType string) protocol.ServerFrame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f protocol.ServerFrame
		require.NoError(t, c.ReadJSON(&f), "waiting for %q frame", frameType)
		if f.Type == frameType {
			return f
		}
	}
}

func TestRejectsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectedFrameComesFirst(t *testing.T) {
	srv, _, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f protocol.ServerFrame
	require.NoError(t, c.ReadJSON(&f))
	assert.Equal(t, protocol.TypeConnected, f.Type)
	assert.Equal(t, "alice", f.UserID)
	assert.Equal(t, "operator", f.Role)
}

func TestSubscribeStreamsOutput(t *testing.T) {
	srv, fake, verifier := newTestEnv(t)
	fake.SetScreen("dev", []byte("prompt$ "))
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSubscribe, SessionName: "dev"}))

	snapshot := readUntil(t, c, protocol.TypeOutput)
	assert.Equal(t, "prompt$ ", snapshot.Data)

	presence := readUntil(t, c, protocol.TypePresence)
	require.Len(t, presence.Users, 1)
	assert.Equal(t, "alice", presence.Users[0].ID)

	fake.Emit("dev", []byte("hello"))
	out := readUntil(t, c, protocol.TypeOutput)
	assert.Equal(t, "hello", out.Data)
}

func TestSubscribeUnknownSession(t *testing.T) {
	srv, _, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSubscribe, SessionName: "ghost"}))
	f := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotFound, f.Code)
}

func TestSendKeysRequiresClaim(t *testing.T) {
	srv, fake, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSubscribe, SessionName: "dev"}))
	readUntil(t, c, protocol.TypePresence)

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSendKeys, SessionName: "dev", Keys: "ls\r"}))
	refusal := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotHolder, refusal.Code)

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeClaim, SessionName: "dev"}))
	claimed := readUntil(t, c, protocol.TypeClaimed)
	require.NotNil(t, claimed.By)
	assert.Equal(t, "alice", claimed.By.ID)

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSendKeys, SessionName: "dev", Keys: "ls\r"}))
	require.Eventually(t, func() bool {
		return len(fake.Writes("dev")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ls\r", string(fake.Writes("dev")[0]))
}

func TestPingPong(t *testing.T) {
	srv, _, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleViewer))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypePing, Nonce: "n-42"}))
	pong := readUntil(t, c, protocol.TypePong)
	assert.Equal(t, "n-42", pong.Nonce)
}

func TestUnansweredPingsDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.PingIntervalMS = 50
	cfg.WriteDeadlineMS = 500
	srv, _, verifier := newTestEnvCfg(t, cfg)

	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleViewer))
	// Swallow pings so the server never sees a pong; the default handler
	// would answer them.
	c.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for err == nil {
		var f protocol.ServerFrame
		err = c.ReadJSON(&f)
	}
	assert.True(t, websocket.IsCloseError(err, protocol.CloseInternal), "got %v", err)
	// Two unanswered pings, then the drop on the next interval.
	assert.Less(t, time.Since(start), 5*cfg.PingInterval())
}

func TestActionWithoutSubscription(t *testing.T) {
	srv, _, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeClaim, SessionName: "dev"}))
	f := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotFound, f.Code)
}

func TestMalformedFrameCloses(t *testing.T) {
	srv, _, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleViewer))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadFrame, f.Code)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame protocol.ServerFrame
	err := c.ReadJSON(&frame)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseBadFrame))
}

func TestUnknownFrameTypeCloses(t *testing.T) {
	srv, _, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleViewer))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: "teleport", SessionName: "dev"}))
	f := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadFrame, f.Code)
}

func TestSessionLostReachesClient(t *testing.T) {
	srv, fake, verifier := newTestEnv(t)
	c := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))

	require.NoError(t, c.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSubscribe, SessionName: "dev"}))
	readUntil(t, c, protocol.TypePresence)

	fake.FailReader("dev")
	f := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeSessionLost, f.Code)
}

func TestTwoClientsShareOutput(t *testing.T) {
	srv, fake, verifier := newTestEnv(t)
	c1 := dial(t, srv, issueToken(t, verifier, "alice", authz.RoleOperator))
	c2 := dial(t, srv, issueToken(t, verifier, "bob", authz.RoleViewer))

	require.NoError(t, c1.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSubscribe, SessionName: "dev"}))
	readUntil(t, c1, protocol.TypePresence)
	require.NoError(t, c2.WriteJSON(protocol.ClientFrame{Type: protocol.TypeSubscribe, SessionName: "dev"}))

	presence := readUntil(t, c2, protocol.TypePresence)
	require.Len(t, presence.Users, 2)

	fake.Emit("dev", []byte("shared"))
	assert.Equal(t, "shared", readUntil(t, c1, protocol.TypeOutput).Data)
	assert.Equal(t, "shared", readUntil(t, c2, protocol.TypeOutput).Data)
}
