package ws

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"termshare/internal/auth"
	"termshare/internal/config"
	"termshare/internal/hub"
)

const (
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     isAllowedOrigin,
}

func isAllowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := r.Host
	return strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)
}

// Handler upgrades authenticated clients and runs one connection endpoint
// per socket. It is the only component that knows about the transport.
type Handler struct {
	registry *hub.Registry
	verifier *auth.Verifier
	cfg      config.Config
	log      zerolog.Logger
}

func NewHandler(registry *hub.Registry, verifier *auth.Verifier, cfg config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		verifier: verifier,
		cfg:      cfg,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, err := h.verifier.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConn(wsConn, principal, h.registry, h.cfg, h.log)
	c.run()
}
