package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/flakeguard/flakeguard/internal/actions"
	"github.com/flakeguard/flakeguard/internal/analyzer"
	"github.com/flakeguard/flakeguard/internal/api/middleware"
	"github.com/flakeguard/flakeguard/internal/api/rest"
	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/pkg/logger"
	"github.com/flakeguard/flakeguard/internal/pkg/tracing"
	"github.com/flakeguard/flakeguard/internal/processor"
	"github.com/flakeguard/flakeguard/internal/repository"
	"github.com/flakeguard/flakeguard/internal/service"
	"github.com/flakeguard/flakeguard/internal/webhook"
	"github.com/flakeguard/flakeguard/migrations"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.StdLogger(cfg.LogLevel)
	log.Info("flakeguard starting", "port", cfg.Port)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := tracing.Init("flakeguard", cfg.OTLPEndpoint, cfg.TraceSamplingRate)
		if err != nil {
			log.Warn("tracing init failed", "error", err)
		} else {
			defer shutdown()
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pem, err := cfg.PrivateKeyPEM()
	if err != nil {
		log.Error("failed to load app private key", "error", err)
		os.Exit(1)
	}
	broker, err := githubapp.NewBroker(cfg.AppID, pem, cfg.APIBaseURL)
	if err != nil {
		log.Error("failed to build credential broker", "error", err)
		os.Exit(1)
	}

	engine := analyzer.NewEngine(store, analyzer.Config{
		MinRunsForAnalysis:        cfg.MinRunsForAnalysis,
		FlakeThreshold:            cfg.FlakeThreshold,
		HighConfidenceThreshold:   cfg.HighConfidenceThreshold,
		MediumConfidenceThreshold: cfg.MediumConfidenceThreshold,
		AnalysisWindowDays:        cfg.AnalysisWindowDays,
		RecentFailuresWindowDays:  cfg.RecentFailuresWindowDays,
	}, log)
	renderer := checks.NewRenderer(cfg.WebBaseURL)
	dispatcher := actions.NewDispatcher(store, broker, cfg.RerunMaxAttempts, log)
	proc := processor.New(store, broker, engine, renderer, dispatcher, nil, log)

	pool := webhook.NewPool(webhook.PoolConfig{
		Workers:         cfg.WorkerCount,
		PriorityWorkers: cfg.PriorityWorkerCount,
		TaskDeadline:    time.Duration(cfg.ProcessTimeoutSec) * time.Second,
		MaxRetries:      cfg.ProcessRetries,
	}, log)
	pool.Start()
	defer pool.Shutdown()

	hook := webhook.NewHandler(cfg.WebhookSecret, store, pool, cfg.WebhookRatePerMin, log)
	proc.RegisterAll(hook)

	cleanup := service.NewCleanupService(store,
		time.Duration(cfg.CleanupIntervalSec)*time.Second,
		cfg.DeliveryRetentionDays, log)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog)
	router.Use(middleware.Tracing)
	router.Use(middleware.RateLimit())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"flakeguard"}`))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Handle("/webhooks/github", hook).Methods("POST")

	apiRouter := router.PathPrefix("/api").Subrouter()
	rest.SetupRoutes(apiRouter, rest.NewHandler(store, broker, engine))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	log.Info("flakeguard stopped")
}

// openStore selects Postgres when database_url is set, SQLite otherwise,
// and applies the embedded migrations.
func openStore(cfg *config.Config) (repository.Store, error) {
	migrationSQL, err := migrations.FS.ReadFile("001_initial_schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	if cfg.DatabaseURL != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(string(migrationSQL)); err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return repo, nil
	}

	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := repo.RunMigrations(string(migrationSQL)); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}
