package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"termshare/internal/api"
	"termshare/internal/auth"
	"termshare/internal/authz"
	"termshare/internal/config"
	"termshare/internal/hub"
	"termshare/internal/metrics"
	"termshare/internal/multiplexer"
	"termshare/internal/store"
	"termshare/internal/ws"
)

const (
	tokenTTL        = 24 * time.Hour
	shutdownTimeout = 5 * time.Second
	drainTimeout    = 3 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("configuration error")
	}
	log := newLogger(cfg)

	tmux := multiplexer.NewTmux(cfg.TmuxSocket, log)
	version, err := tmux.CheckAvailable()
	if err != nil {
		log.Fatal().Err(err).Msg("tmux not available")
	}
	log.Info().Str("version", version).Msg("tmux detected")

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret, tokenTTL)
	if err := bootstrapOwner(st, verifier, log); err != nil {
		log.Fatal().Err(err).Msg("bootstrap owner")
	}

	m := metrics.New()
	audit := store.NewAuditWriter(st, log)

	registry := hub.NewRegistry(tmux, hub.Options{
		ClaimLeaseMax:     cfg.ClaimLeaseMax(),
		ClaimIdleMax:      cfg.ClaimIdleMax(),
		OutputQueue:       cfg.OutputQueueSize,
		PriorityQueue:     cfg.PriorityQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReapGrace:         cfg.HubReapGrace(),
		PresenceIdle:      cfg.PresenceIdle(),
		PresenceEvict:     cfg.PresenceEvict(),
	}, log, m, audit)

	gcCtx, stopGc := context.WithCancel(context.Background())
	go registry.Run(gcCtx)

	wsHandler := ws.NewHandler(registry, verifier, cfg, log)
	apiHandler := api.NewHandler(registry, tmux, st, verifier, log)

	router := http.NewServeMux()
	router.HandleFunc("GET /ws", wsHandler.ServeWS)
	apiHandler.Register(router)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mm := http.NewServeMux()
		mm.Handle("GET /metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mm, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listener failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	// Stop accepting first, then drain hubs so every client sees
	// SERVER_SHUTDOWN before its socket dies, then flush audit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	registry.Shutdown(drainCtx)
	cancelDrain()

	stopGc()
	audit.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("stopped")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// bootstrapOwner guarantees a usable credential on a fresh database: the
// owner user is upserted and a token for it is logged once at startup.
func bootstrapOwner(st *store.Store, verifier *auth.Verifier, log zerolog.Logger) error {
	owner := store.User{ID: "owner", Name: "owner", Role: authz.RoleOwner.String(), CreatedAt: time.Now().UTC()}
	if err := st.UpsertUser(owner); err != nil {
		return err
	}
	token, err := verifier.Issue(auth.Principal{UserID: owner.ID, Name: owner.Name, Role: authz.RoleOwner})
	if err != nil {
		return err
	}
	log.Info().Str("token", token).Msg("owner token")
	return nil
}
