package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainsafe/tokenbridge/pkg/bridge"
	"github.com/chainsafe/tokenbridge/pkg/chain/canton"
	"github.com/chainsafe/tokenbridge/pkg/chain/evm"
	"github.com/chainsafe/tokenbridge/pkg/config"
	"github.com/chainsafe/tokenbridge/pkg/db"
	"github.com/chainsafe/tokenbridge/pkg/pgutil"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting token bridge orchestrator")

	// Initialize database
	bunDB, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer bunDB.Close()
	store := db.NewPgStore(bunDB)
	logger.Info("Database connection established")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize chain adapters
	evmClient, err := evm.NewClient(ctx, &cfg.Evm, logger)
	if err != nil {
		logger.Fatal("Failed to initialize EVM client", zap.Error(err))
	}
	defer evmClient.Close()

	auth := canton.NewOAuthClientCredentialsProvider(&cfg.Canton.Auth, nil)
	cantonClient, err := canton.NewClient(ctx, &cfg.Canton, auth, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Canton client", zap.Error(err))
	}

	// Orchestrator and reconciliation sweep
	orch, err := bridge.NewOrchestrator(ctx, store, evmClient, cantonClient, bridge.Options{
		MaxRetries:         cfg.Bridge.MaxRetries,
		StalenessThreshold: cfg.Bridge.StalenessThreshold,
		FinalityTimeouts: map[string]time.Duration{
			evmClient.NetworkID():    cfg.Evm.FinalityTimeout,
			cantonClient.NetworkID(): cfg.Canton.FinalityTimeout,
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	sweep := bridge.NewSweep(orch, store, cfg.Bridge.SweepInterval, logger)
	sweep.Start(ctx)
	defer sweep.Stop()

	svc := bridge.NewService(orch, store, logger)

	// Setup HTTP server for API and metrics
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint (liveness)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness endpoint: the ledger and both chain adapters must answer
	// an identity check.
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]error{
			"database": bunDB.PingContext(pingCtx),
			"evm":      evmClient.Ping(pingCtx),
			"canton":   cantonClient.Ping(pingCtx),
		}
		for component, err := range checks {
			if err != nil {
				logger.Warn("Readiness check failed",
					zap.String("component", component), zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("NOT_READY"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	// Metrics endpoint
	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.Int("port", cfg.Monitoring.MetricsPort))
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/transfers", handleRequestTransfer(svc, logger))
		r.Get("/transfers", handleListTransfers(svc, logger))
		r.Get("/transfers/flagged", handleListFlagged(svc, logger))
		r.Get("/transfers/{id}", handleGetTransfer(svc, logger))
		r.Post("/transfers/{id}/cancel", handleCancelTransfer(svc, logger))
	})

	// Start HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	// Let in-flight transfer executions write their final states.
	orch.Wait()

	logger.Info("Bridge stopped")
}

func handleRequestTransfer(svc *bridge.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bridge.TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Malformed request body", http.StatusBadRequest)
			return
		}

		record, err := svc.RequestTransfer(r.Context(), req)
		if err != nil {
			if errors.Is(err, bridge.ErrInvalidRequest) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("Failed to accept transfer", zap.Error(err))
			http.Error(w, "Failed to accept transfer", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, record, logger)
	}
}

func handleListTransfers(svc *bridge.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transfers, err := svc.ListTransfers(r.Context(), 100) // Default limit
		if err != nil {
			logger.Error("Failed to list transfers", zap.Error(err))
			http.Error(w, "Failed to list transfers", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": transfers}, logger)
	}
}

func handleListFlagged(svc *bridge.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transfers, err := svc.ListFlaggedTransfers(r.Context())
		if err != nil {
			logger.Error("Failed to list flagged transfers", zap.Error(err))
			http.Error(w, "Failed to list flagged transfers", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": transfers}, logger)
	}
}

func handleGetTransfer(svc *bridge.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := svc.GetTransfer(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			logger.Error("Failed to get transfer", zap.Error(err), zap.String("id", id))
			http.Error(w, "Failed to get transfer", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, record, logger)
	}
}

func handleCancelTransfer(svc *bridge.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := svc.CancelTransfer(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, db.ErrNotFound):
				w.WriteHeader(http.StatusNotFound)
			case errors.Is(err, bridge.ErrCannotCancelAfterBurn):
				http.Error(w, err.Error(), http.StatusConflict)
			default:
				logger.Error("Failed to cancel transfer", zap.Error(err), zap.String("id", id))
				http.Error(w, "Failed to cancel transfer", http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, http.StatusOK, record, logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
