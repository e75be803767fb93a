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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gatehouse/gatehouse/internal/identity/audit"
	"github.com/gatehouse/gatehouse/internal/identity/handler"
	"github.com/gatehouse/gatehouse/internal/identity/hasher"
	"github.com/gatehouse/gatehouse/internal/identity/ratelimit"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/internal/identity/resolver"
	"github.com/gatehouse/gatehouse/internal/identity/service"
	"github.com/gatehouse/gatehouse/internal/identity/token"
	"github.com/gatehouse/gatehouse/pkg/config"
	"github.com/gatehouse/gatehouse/pkg/database"
	"github.com/gatehouse/gatehouse/pkg/httputil"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/messaging"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWithValidation()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("identity-service", cfg.Server.Environment)
	log.Info().Msg("starting Identity Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	authPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeAuthEvents, "identity-service", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create auth publisher")
	}
	auditPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeAuditEvents, "identity-service", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create audit publisher")
	}

	// Initialize components
	hashEngine, err := hasher.New(cfg.Hasher)
	if err != nil {
		log.Fatal().Err(err).Msg("hasher parameters below floor")
	}
	hashPool := hasher.NewPool(hashEngine, cfg.Hasher.Workers)

	tokens, err := token.NewManager(&cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token manager")
	}

	userRepo := repository.NewUserRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	resetRepo := repository.NewResetTokenRepository(db)
	rbacRepo := repository.NewRBACRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	principalResolver := resolver.New(rbacRepo, resolver.MaxCacheTTL, log)
	limiter := ratelimit.New(cfg.RateLimit.Enabled, nil, log)
	auditSvc := audit.New(auditRepo, auditPublisher, cfg.Audit.Enabled, cfg.Audit.BufferSize, log)
	defer auditSvc.Close()

	authService := service.NewAuthService(
		userRepo, sessionRepo, resetRepo,
		hashPool, tokens, principalResolver, limiter, auditSvc,
		authPublisher, cfg.Auth.ResetTTL, log,
	)
	adminService := service.NewAdminService(rbacRepo, principalResolver, auditSvc, log)
	gate := handler.NewGate(tokens, principalResolver, auditSvc, log)
	authHandler := handler.NewAuthHandler(authService, gate, log)
	adminHandler := handler.NewAdminHandler(adminService, gate, log)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(httputil.Timeout(cfg.Server.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.RateLimit.Enabled {
		throttle := httputil.NewIPThrottle(cfg.RateLimit.GeneralRPS, cfg.RateLimit.GeneralBurst, log)
		r.Use(throttle.Middleware)
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  "identity-service",
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		authHandler.Routes(r)
		adminHandler.Routes(r)
	})

	// Background purge of expired sessions and reset tokens
	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go purgeLoop(purgeCtx, sessionRepo, resetRepo, cfg.Auth.SessionPurgeEvery, log)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// purgeLoop removes expired sessions and reset tokens on a fixed cadence.
// Lookups filter by expiry regardless, so this is about table size, not
// correctness.
func purgeLoop(ctx context.Context, sessions *repository.SessionRepository, resets *repository.ResetTokenRepository, every time.Duration, log *logger.Logger) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sessions.PurgeExpired(ctx); err != nil {
				log.WithError(err).Warn().Msg("session purge failed")
			} else if n > 0 {
				log.Info().Int64("purged", n).Msg("expired sessions removed")
			}
			if n, err := resets.PurgeExpired(ctx); err != nil {
				log.WithError(err).Warn().Msg("reset token purge failed")
			} else if n > 0 {
				log.Info().Int64("purged", n).Msg("expired reset tokens removed")
			}
		}
	}
}
