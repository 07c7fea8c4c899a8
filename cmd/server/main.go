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

	"github.com/remaestro/deplyx/internal/api/middleware"
	"github.com/remaestro/deplyx/internal/api/rest"
	"github.com/remaestro/deplyx/internal/api/websocket"
	"github.com/remaestro/deplyx/internal/audit"
	"github.com/remaestro/deplyx/internal/config"
	"github.com/remaestro/deplyx/internal/graph"
	"github.com/remaestro/deplyx/internal/impact"
	"github.com/remaestro/deplyx/internal/pkg/logger"
	"github.com/remaestro/deplyx/internal/policy"
	"github.com/remaestro/deplyx/internal/repository"
	"github.com/remaestro/deplyx/internal/risk"
	"github.com/remaestro/deplyx/internal/service"
	"github.com/remaestro/deplyx/internal/syncer"
	"github.com/remaestro/deplyx/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v, falling back to defaults\n", err)
		cfg = config.Default()
	}
	log := logger.New(cfg.LogLevel)
	log.Info("deplyx starting", "port", cfg.Port, "database", cfg.DatabasePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath, log)
	if err != nil {
		log.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// Restore the topology from the latest checkpoint; a fresh install gets
	// the demo seed so the engine is explorable immediately.
	store := graph.NewStore()
	if data, err := repo.LoadGraphCheckpoint(ctx); err != nil {
		log.Error("loading graph checkpoint", "error", err)
		os.Exit(1)
	} else if data != nil {
		if err := store.Restore(data); err != nil {
			log.Error("restoring graph checkpoint", "error", err)
			os.Exit(1)
		}
		log.Info("graph restored from checkpoint", "revision", store.Revision())
	} else {
		if err := graph.Seed(store); err != nil {
			log.Error("seeding graph", "error", err)
			os.Exit(1)
		}
		nodes, edges := store.Counts()
		log.Info("graph seeded with demo topology", "nodes", nodes, "edges", edges)
	}

	analyzer, err := impact.New(log, cfg.ImpactCacheSize, cfg.ImpactMaxDepthBlast, cfg.ImpactMaxDepth)
	if err != nil {
		log.Error("building impact analyzer", "error", err)
		os.Exit(1)
	}
	journal := audit.NewJournal(repo, log)
	policyEngine := policy.NewEngine()
	riskEngine := risk.NewEngine(cfg.RiskClipMin, cfg.RiskClipMax)
	controller := workflow.NewController(repo, store, analyzer, riskEngine, policyEngine, journal, log, cfg)

	changeService := service.NewChangeService(repo, controller, journal, log)
	kpiService := service.NewKPIService(repo, log)

	hub := websocket.NewHub(ctx, log)
	go hub.Run()
	defer hub.Stop()
	journal.SetBroadcaster(hub)

	coordinator := syncer.NewCoordinator(repo, store, journal, log, cfg, nil)
	coordinator.Start(ctx)
	defer coordinator.Stop()

	reaper := service.NewReaper(controller, log, cfg)
	reaper.Start(ctx)
	defer reaper.Stop()

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.StructuredLog(log))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	handler := rest.NewHandler(changeService, kpiService, controller, coordinator, policyEngine, repo, store, log)
	rest.SetupRoutes(apiRouter, handler)

	wsHandler := websocket.NewHandler(ctx, hub, log)
	router.HandleFunc("/ws/events", wsHandler.ServeWS).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      corsHandler,
		ReadTimeout:  time.Duration(cfg.RequestTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
	}
	log.Info("deplyx stopped")
}
