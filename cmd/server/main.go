package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/config"
	"github.com/pairlink/relay-server-go/internal/database"
	"github.com/pairlink/relay-server-go/internal/handler"
	"github.com/pairlink/relay-server-go/internal/hub"
	"github.com/pairlink/relay-server-go/internal/jobs"
	"github.com/pairlink/relay-server-go/internal/middleware"
	"github.com/pairlink/relay-server-go/internal/peer"
	"github.com/pairlink/relay-server-go/internal/redis"
	"github.com/pairlink/relay-server-go/internal/repository"
	"github.com/pairlink/relay-server-go/internal/session"
	"github.com/pairlink/relay-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]handler.Pinger)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
		log.Info().Msg("redis connected")
	}

	// Reports are optional. The interfaces stay nil without a database.
	var (
		hubReports    hub.ReportStore
		handlerReport handler.ReportRepository
		purger        jobs.ReportPurger
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare database schema")
		}
		checks["database"] = db.Ping
		log.Info().Msg("database connected")

		reportRepo := repository.NewConnectionReportRepository(db.DB)
		hubReports, handlerReport, purger = reportRepo, reportRepo, reportRepo
	}

	registry := session.NewRegistry(session.Options{StaleAfter: cfg.DeviceStaleAfter()})

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	relayHub := hub.New(registry, broker, hubReports, hub.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	defer relayHub.Close()

	sweeper := jobs.NewSweeper(registry, relayHub, purger, jobs.SweeperConfig{
		Interval:         cfg.SweepInterval(),
		UnusedSessionTTL: cfg.InvitationTTL(),
		DeviceStaleAfter: cfg.DeviceStaleAfter(),
		ReportRetention:  cfg.ReportRetention(),
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if redisClient != nil {
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	}
	authRateLimit := middleware.NewRateLimitMiddleware(limiter, "authenticate", cfg.AuthRateLimitPerMin)
	apiRateLimit := middleware.NewRateLimitMiddleware(limiter, "api", config.DefaultRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	invitationHandler := handler.NewInvitationHandler(registry)
	connectionHandler := handler.NewConnectionHandler(registry, relayHub)
	diagnosticHandler := handler.NewDiagnosticHandler(
		peer.ICEServers(cfg.ICEServers, cfg.TURNUsername, cfg.TURNCredential), handlerReport,
	)
	eventsHandler := handler.NewEventsHandler(broker, registry)
	statusHandler := handler.NewStatusHandler(registry.Count, relayHub.ConnectionCount, broker.TotalClients, checks)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", statusHandler.Health)

	// The websocket and event stream are long-lived and skip request
	// timeouts and body limits.
	r.Handle("/ws", relayHub)
	r.Get("/api/sessions/{userId}/events", eventsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(apiRateLimit.Handler)

		r.Get("/api/status", statusHandler.Status)
		r.Mount("/api/invitation", invitationHandler.Routes(authRateLimit.Handler))
		r.Mount("/api/connection", connectionHandler.Routes())
		r.Mount("/api/diagnostic", diagnosticHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	relayHub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
