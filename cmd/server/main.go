package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plan-quarantines/internal/client"
	"github.com/pesio-ai/be-plan-quarantines/internal/config"
	"github.com/pesio-ai/be-plan-quarantines/internal/database"
	"github.com/pesio-ai/be-plan-quarantines/internal/handler"
	"github.com/pesio-ai/be-plan-quarantines/internal/logger"
	"github.com/pesio-ai/be-plan-quarantines/internal/middleware"
	"github.com/pesio-ai/be-plan-quarantines/internal/repository"
	"github.com/pesio-ai/be-plan-quarantines/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Plan Quarantines Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	budgetLineRepo := repository.NewBudgetLineRepository(db)
	quarantineRepo := repository.NewQuarantineRepository(db)
	agreementRepo := repository.NewAgreementRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize event publisher. Events are best-effort: a missing or
	// unreachable NATS server disables publishing but never stops the
	// service.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Warn().Err(err).Str("nats_url", cfg.NATS.URL).
				Msg("Failed to connect to NATS; event publishing disabled")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Str("nats_url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	eventPublisher := client.NewEventPublisher(nc, log.Logger)

	// Initialize services
	quarantineService := service.NewQuarantineService(
		quarantineRepo, budgetLineRepo, auditRepo, eventPublisher, log)
	derivationService := service.NewDerivationService(
		agreementRepo, budgetLineRepo, quarantineService, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(quarantineService, derivationService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Quarantine routes
	mux.HandleFunc("/api/v1/quarantines", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListQuarantines(w, r)
		case http.MethodPost:
			httpHandler.CreateQuarantine(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/quarantines/get", httpHandler.GetQuarantine)
	mux.HandleFunc("/api/v1/quarantines/update", httpHandler.UpdateQuarantine)
	mux.HandleFunc("/api/v1/quarantines/release", httpHandler.ReleaseQuarantine)
	mux.HandleFunc("/api/v1/quarantines/drawdown", httpHandler.DrawDown)
	mux.HandleFunc("/api/v1/quarantines/derive-from-agreement", httpHandler.DeriveFromAgreement)
	mux.HandleFunc("/api/v1/quarantines/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("/api/v1/budget-lines/capacity", httpHandler.GetCapacity)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
