package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/masterfermin02/vic-agent-ui/internal/agent"
	"github.com/masterfermin02/vic-agent-ui/internal/ami"
	"github.com/masterfermin02/vic-agent-ui/internal/api"
	"github.com/masterfermin02/vic-agent-ui/internal/auth"
	"github.com/masterfermin02/vic-agent-ui/internal/config"
	"github.com/masterfermin02/vic-agent-ui/internal/correlate"
	"github.com/masterfermin02/vic-agent-ui/internal/db"
	"github.com/masterfermin02/vic-agent-ui/internal/lead"
	"github.com/masterfermin02/vic-agent-ui/internal/metrics"
	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/masterfermin02/vic-agent-ui/internal/vicidial"
	"github.com/masterfermin02/vic-agent-ui/internal/websocket"
	"github.com/masterfermin02/vic-agent-ui/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Str("command_transport", cfg.CommandTransport).
		Str("log_level", cfg.LogLevel).
		Msg("starting vic-agent-ui server")

	// Application database (agent sessions)
	appDB, err := db.Open(cfg.AppDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open application database")
	}
	defer appDB.Close()

	if err := db.Migrate(appDB); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate application database")
	}

	// Shared dialer database
	vicidialDB, err := db.Open(cfg.VicidialDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open dialer database")
	}
	defer vicidialDB.Close()

	// WebSocket hub
	hub := websocket.NewHub(log.Logger)
	go hub.Run()

	// Storage and dialer access
	sessions := session.NewStore(appDB)
	catalog := vicidial.NewCatalog(vicidialDB)
	leads := lead.NewRepository(vicidialDB)

	var commander vicidial.Commander
	if cfg.CommandTransport == "api" {
		commander = vicidial.NewAPICommander(cfg.AgentAPIURL, vicidialDB, log.Logger)
	} else {
		commander = vicidial.NewDBCommander(vicidialDB, log.Logger)
	}

	// State machine
	resolver := correlate.NewResolver(sessions, log.Logger)
	service := agent.NewService(sessions, commander, resolver, catalog, leads, hub,
		cfg.DefaultPhoneCode, log.Logger)

	// Telephony event listener
	listener := ami.NewListener(cfg.AMIAddr(), cfg.AMIUser, cfg.AMISecret,
		cfg.AMIReconnectWait, func(ev ami.Event) {
			service.HandleEvent(context.Background(), ev)
		}, log.Logger)
	go listener.Run()

	// Auth
	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.OIDCIssuer, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize authentication")
	}

	// HTTP surface
	wsHandler := websocket.NewHandler(hub, cfg, log.Logger)
	apiHandler := api.NewHandler(service, catalog, leads, log.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", healthHandler)
	r.Get("/internal/metrics", metrics.Get().Handler)

	r.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware)
		r.Get("/ws", wsHandler.ServeHTTP)
		r.Route("/api", apiHandler.Routes)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	listener.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"vic-agent-ui"}`)
}
