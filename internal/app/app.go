// Package app wires configuration into the coverage service and its infrastructure.
// The API server, the background worker and the CLI share this wiring.
package app

import (
	"context"
	"fmt"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/services/ai"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/internal/infrastructure/cache"
	"ruleforge-lab/internal/infrastructure/database"
	"ruleforge-lab/internal/infrastructure/database/repository"
	"ruleforge-lab/internal/infrastructure/graph"
	"ruleforge-lab/internal/infrastructure/storage"
	"ruleforge-lab/internal/sources/attack"
	"ruleforge-lab/internal/streaming"
	"ruleforge-lab/pkg/logger"
)

// App holds the initialized components. Graph, NATS and Exporter are nil when their
// backends are disabled or unreachable.
type App struct {
	Config *config.Config

	DB       *database.PostgresDB
	Cache    *cache.RedisCache
	Repos    *repository.Repositories
	Neo4j    *graph.Neo4jClient
	Graph    *graph.CoverageGraph
	NATS     *streaming.NATSPublisher
	EventBus *streaming.EventBus
	Exporter *storage.LayerExporter

	Registry *coverage.Registry
	Provider *ai.Provider
	Service  *coverage.Service

	logger *logger.Logger
}

// NewLogger builds the process logger from configuration
func NewLogger(cfg *config.Config) *logger.Logger {
	if cfg.App.Environment == "production" {
		return logger.NewProduction()
	}
	return logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
		Output:     "stderr",
	})
}

// New connects infrastructure and builds the coverage service. PostgreSQL and Redis are
// required; Neo4j, NATS and S3 export degrade to disabled on failure.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, logger: log}

	var err error
	a.DB, err = database.NewPostgres(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	a.Cache, err = cache.NewRedis(ctx, cfg.Redis, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	a.Repos = repository.NewRepositories(a.DB.Pool(), log)

	if cfg.Neo4j.Enabled {
		a.Neo4j, err = graph.NewNeo4jClient(ctx, cfg.Neo4j, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Neo4j, continuing without coverage graph")
		} else {
			a.Graph = graph.NewCoverageGraph(a.Neo4j, log)
		}
	}

	if cfg.NATS.Enabled {
		a.NATS, err = streaming.NewNATSPublisher(ctx, cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, continuing with local events only")
			a.NATS = nil
		}
	}
	a.EventBus = streaming.NewEventBus(a.NATS, log)

	if cfg.Export.Enabled {
		client, err := storage.NewS3Client(ctx, cfg.Export)
		if err != nil {
			log.Warn().Err(err).Msg("failed to configure layer export, continuing without it")
		} else {
			a.Exporter = storage.NewLayerExporter(client, cfg.Export.Bucket, cfg.Export.Prefix, log)
		}
	}

	source, err := attack.NewTaxonomySource(ctx, cfg.Registry, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize taxonomy source: %w", err)
	}

	a.Provider, err = ai.NewProvider(ctx, cfg.AI, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize AI provider: %w", err)
	}

	a.Registry = coverage.NewRegistry(cfg.Registry, source, a.Cache, log)
	a.Service = coverage.NewService(cfg.Coverage, cfg.Registry.CacheVersion, coverage.Dependencies{
		Registry:  a.Registry,
		Validator: coverage.NewValidator(a.Registry, cfg.Coverage.MaxConcurrency, log),
		Scorer:    coverage.NewScorer(cfg.Coverage, a.Provider.Confidence, log),
		Generator: a.Provider.Generator,
		Store:     a.Repos.Detections,
		Cache:     a.Cache,
		Sinks:     a.Sinks(),
	}, log)

	log.Info().
		Str("taxonomy_source", cfg.Registry.Source).
		Str("ai_provider", a.Provider.Name).
		Bool("graph", a.Graph != nil).
		Bool("nats", a.NATS != nil).
		Bool("export", a.Exporter != nil).
		Msg("coverage service initialized")

	return a, nil
}

// Sinks returns the result sinks for the enabled backends
func (a *App) Sinks() []coverage.ResultSink {
	sinks := []coverage.ResultSink{a.Repos.Mappings, streaming.NewEventBusPublisher(a.EventBus)}
	if a.Graph != nil {
		sinks = append(sinks, a.Graph)
	}
	if a.Exporter != nil {
		sinks = append(sinks, a.Exporter)
	}
	return sinks
}

// Close releases every connection that was opened
func (a *App) Close(ctx context.Context) {
	if a.Provider != nil {
		if err := a.Provider.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close AI provider")
		}
	}
	if a.EventBus != nil {
		a.EventBus.Close()
	} else if a.NATS != nil {
		a.NATS.Close()
	}
	if a.Neo4j != nil {
		if err := a.Neo4j.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close Neo4j driver")
		}
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
