package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/crewcallhq/crewcall/internal/config"
	"github.com/crewcallhq/crewcall/internal/crew"
	"github.com/crewcallhq/crewcall/internal/engine"
	"github.com/crewcallhq/crewcall/internal/httpapi"
	"github.com/crewcallhq/crewcall/internal/observability"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	ctx := context.Background()

	var (
		store     engine.Store
		directory crew.Directory
		storeMode string
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		pgStore, err := engine.NewPostgresStore(ctx, pool)
		if err != nil {
			log.Fatalf("task store init failed: %v", err)
		}
		pgDirectory, err := crew.NewPostgresDirectory(ctx, pool)
		if err != nil {
			log.Fatalf("crew directory init failed: %v", err)
		}
		store = pgStore
		directory = pgDirectory
		storeMode = "postgres"
	} else {
		store = engine.NewMemoryStore()
		directory = crew.NewMemoryDirectory()
		storeMode = "in-memory"
	}
	defer store.Close()
	log.Printf("task store: %s", storeMode)

	hub := engine.NewHub()
	eng := engine.New(engine.Config{
		AssignmentMode:         cfg.AssignmentMode,
		EscalationGrace:        cfg.EscalationGrace,
		ScanInterval:           cfg.EscalationScanInterval,
		MaxConcurrentAutoStart: cfg.MaxConcurrentAutoStart,
		PageSizeDefault:        cfg.PageSizeDefault,
		CancelPropagates:       cfg.CancelPropagates,
		StoreTimeout:           cfg.StoreTimeout,
	}, store, directory, hub, metrics)

	api := httpapi.New(cfg, eng, metrics, storeMode)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	eng.StartEscalationScanner(runCtx, cfg.EscalationScanInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
