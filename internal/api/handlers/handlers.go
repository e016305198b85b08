package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/internal/infrastructure/graph"
	"ruleforge-lab/internal/infrastructure/storage"
	"ruleforge-lab/internal/streaming"
	"ruleforge-lab/pkg/logger"
)

// CoverageAnalyzer runs detection and library coverage analysis
type CoverageAnalyzer interface {
	AnalyzeDetection(ctx context.Context, detectionID uuid.UUID, opts coverage.AnalyzeOptions) (*models.DetectionCoverageResult, error)
	AnalyzeLibrary(ctx context.Context, libraryID uuid.UUID, opts coverage.LibraryOptions) (*models.LibraryCoverageResult, error)
}

// TechniqueRegistry resolves techniques and validates their relationship graph
type TechniqueRegistry interface {
	GetTechnique(ctx context.Context, id string) (*models.Technique, error)
	GetBulk(ctx context.Context, ids []string) map[string]*models.Technique
	ValidateTechniqueGraph(ctx context.Context, id string, depth int) *models.TechniqueGraphReport
	Stats() coverage.RegistryStats
}

// SnapshotStore reads persisted library results
type SnapshotStore interface {
	LatestLibrarySnapshot(ctx context.Context, libraryID uuid.UUID) (*models.LibraryCoverageResult, error)
}

// LayerExporter stores Navigator layers
type LayerExporter interface {
	Export(ctx context.Context, result *models.LibraryCoverageResult) (*storage.ExportOutput, error)
}

// CoverageGraphReader queries the coverage graph
type CoverageGraphReader interface {
	DetectionsCovering(ctx context.Context, techniqueID string, limit int) ([]graph.CoveringDetection, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// Pinger is a dependency checked by readiness probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all API handlers
type Handlers struct {
	Health     *HealthHandler
	Techniques *TechniquesHandler
	Coverage   *CoverageHandler
	Streaming  *StreamingHandler
	Stats      *StatsHandler
}

// Dependencies holds dependencies for handlers. Snapshots, Exporter, Graph, Hub and
// EventBus are optional.
type Dependencies struct {
	Service   CoverageAnalyzer
	Registry  TechniqueRegistry
	Snapshots SnapshotStore
	Exporter  LayerExporter
	Graph     CoverageGraphReader
	Hub       *streaming.WebSocketHub
	EventBus  *streaming.EventBus
	Checks    map[string]Pinger
	Version   string
	Logger    *logger.Logger
}

// NewHandlers creates all handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		Health:     NewHealthHandler(deps.Checks, deps.Version, deps.Logger),
		Techniques: NewTechniquesHandler(deps.Registry, deps.Graph, deps.Logger),
		Coverage:   NewCoverageHandler(deps.Service, deps.Snapshots, deps.Exporter, deps.Logger),
		Streaming:  NewStreamingHandler(deps.Hub, deps.EventBus, deps.Logger),
		Stats:      NewStatsHandler(deps.Registry, deps.Graph, deps.Hub, deps.EventBus, deps.Logger),
	}
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

// respondDomainError maps coverage errors onto HTTP statuses
func respondDomainError(w http.ResponseWriter, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, coverage.ErrDetectionNotFound):
		respondError(w, http.StatusNotFound, "detection not found", err)
	case errors.Is(err, coverage.ErrTechniqueNotFound):
		respondError(w, http.StatusNotFound, "technique not found", err)
	case errors.Is(err, coverage.ErrInvalidTechniqueID):
		respondError(w, http.StatusBadRequest, "invalid technique id", err)
	case errors.Is(err, coverage.ErrUnsupportedPlatform):
		respondError(w, http.StatusBadRequest, "unsupported platform", err)
	case errors.Is(err, coverage.ErrTechniqueDeprecated):
		respondError(w, http.StatusGone, "technique deprecated", err)
	case errors.Is(err, coverage.ErrCircuitOpen):
		respondError(w, http.StatusServiceUnavailable, "taxonomy source unavailable", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "request timed out", err)
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// decodeOptionalJSON decodes a request body, treating an empty body as zero options
func decodeOptionalJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
