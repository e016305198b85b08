package handlers

import (
	"context"
	"net/http"
	"time"

	"ruleforge-lab/internal/streaming"
	"ruleforge-lab/pkg/logger"
)

// StatsHandler reports registry, graph and streaming counters
type StatsHandler struct {
	registry TechniqueRegistry
	graph    CoverageGraphReader
	hub      *streaming.WebSocketHub
	bus      *streaming.EventBus
	logger   *logger.Logger
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(registry TechniqueRegistry, graph CoverageGraphReader, hub *streaming.WebSocketHub, bus *streaming.EventBus, log *logger.Logger) *StatsHandler {
	return &StatsHandler{
		registry: registry,
		graph:    graph,
		hub:      hub,
		bus:      bus,
		logger:   log.WithComponent("stats-handler"),
	}
}

// Get handles GET /api/v1/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"streaming": streamingStats(h.hub, h.bus),
	}
	if h.registry != nil {
		stats["registry"] = h.registry.Stats()
	}

	if h.graph != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if counts, err := h.graph.Stats(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("failed to read graph stats")
		} else {
			stats["graph"] = counts
		}
	}

	respondJSON(w, http.StatusOK, stats)
}
