package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ruleforge-lab/internal/app"
	"ruleforge-lab/internal/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("RULEFORGE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg).WithComponent("coverage-worker")

	libraries, err := parseLibraryIDs(cfg.Worker.LibraryIDs)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid worker.library_ids")
	}
	if len(libraries) == 0 {
		log.Fatal().Msg("worker.library_ids is empty, nothing to analyze")
	}

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Int("libraries", len(libraries)).
		Msg("starting coverage worker")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer a.Close(context.Background())

	worker := NewCoverageWorker(cfg.Worker, libraries, a.Service, a.Cache, log)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker stopped with error")
		}
	}()

	select {
	case <-quit:
	case <-done:
	}
	log.Info().Msg("shutting down coverage worker...")
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("worker did not stop in time")
	}
	log.Info().Msg("shutdown complete")
}

func parseLibraryIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("library id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
