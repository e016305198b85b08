package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"ruleforge-lab/internal/api"
	"ruleforge-lab/internal/api/handlers"
	"ruleforge-lab/internal/app"
	"ruleforge-lab/internal/config"
	grpchealth "ruleforge-lab/internal/grpc/health"
	"ruleforge-lab/internal/streaming"
)

// pingFunc adapts a health function to the Pinger interfaces
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("RULEFORGE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg).WithComponent("api")

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Msg("starting ruleforge coverage API")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer a.Close(context.Background())

	// WebSocket hub fed from every coverage event, local or via NATS
	wsHub := streaming.NewWebSocketHub(log)
	go wsHub.Run(ctx)
	events, unsubscribe := a.EventBus.Subscribe(ctx, nil)
	defer unsubscribe()
	go wsHub.RelayFrom(events)

	checks := map[string]handlers.Pinger{
		"postgres": a.DB,
		"redis":    a.Cache,
	}
	if a.Neo4j != nil {
		checks["neo4j"] = pingFunc(a.Neo4j.Health)
	}

	deps := handlers.Dependencies{
		Service:   a.Service,
		Registry:  a.Registry,
		Snapshots: a.Repos.Mappings,
		Hub:       wsHub,
		EventBus:  a.EventBus,
		Checks:    checks,
		Version:   cfg.App.Version,
		Logger:    log,
	}
	if a.Exporter != nil {
		deps.Exporter = a.Exporter
	}
	if a.Graph != nil {
		deps.Graph = a.Graph
	}
	h := handlers.NewHandlers(deps)

	// Create router
	router := api.NewRouter(*cfg, h, a.Cache, log)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:     router.Setup(),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC health server
	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gRPC listener")
	}

	grpcServer := grpc.NewServer()
	grpcChecks := make(map[string]grpchealth.Pinger, len(checks))
	for name, c := range checks {
		grpcChecks[name] = c
	}
	checker := grpchealth.Register(grpcServer, grpcChecks, 0, log)
	go checker.Run(ctx)

	go func() {
		log.Info().
			Str("addr", grpcListener.Addr().String()).
			Msg("starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	// Cancel context to stop background services
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	grpcServer.GracefulStop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
}
