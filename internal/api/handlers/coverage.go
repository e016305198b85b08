package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

// CoverageHandler serves detection and library coverage analysis
type CoverageHandler struct {
	service   CoverageAnalyzer
	snapshots SnapshotStore
	exporter  LayerExporter
	logger    *logger.Logger
}

// NewCoverageHandler creates a new coverage handler
func NewCoverageHandler(service CoverageAnalyzer, snapshots SnapshotStore, exporter LayerExporter, log *logger.Logger) *CoverageHandler {
	return &CoverageHandler{
		service:   service,
		snapshots: snapshots,
		exporter:  exporter,
		logger:    log.WithComponent("coverage-handler"),
	}
}

// AnalyzeDetectionRequest is the optional body of POST /coverage/detections/{id}
type AnalyzeDetectionRequest struct {
	ForceRefresh bool `json:"force_refresh"`
}

// AnalyzeLibraryRequest is the optional body of POST /coverage/libraries/{id}
type AnalyzeLibraryRequest struct {
	ForceRefresh bool   `json:"force_refresh"`
	Platform     string `json:"platform"`
	FailFast     bool   `json:"fail_fast"`
}

// AnalyzeDetection handles POST /api/v1/coverage/detections/{id}
func (h *CoverageHandler) AnalyzeDetection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req AnalyzeDetectionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.service.AnalyzeDetection(r.Context(), id, coverage.AnalyzeOptions{ForceRefresh: req.ForceRefresh})
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// AnalyzeLibrary handles POST /api/v1/coverage/libraries/{id}
func (h *CoverageHandler) AnalyzeLibrary(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req AnalyzeLibraryRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.service.AnalyzeLibrary(r.Context(), id, coverage.LibraryOptions{
		ForceRefresh: req.ForceRefresh,
		Platform:     models.Platform(strings.ToLower(req.Platform)),
		FailFast:     req.FailFast,
	})
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// LatestSnapshot handles GET /api/v1/coverage/libraries/{id}/latest
func (h *CoverageHandler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		respondError(w, http.StatusServiceUnavailable, "snapshot storage not configured", nil)
		return
	}

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	result, err := h.snapshots.LatestLibrarySnapshot(r.Context(), id)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	if result == nil {
		respondError(w, http.StatusNotFound, "library has not been analyzed", nil)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Navigator handles GET /api/v1/coverage/libraries/{id}/navigator?platform=
func (h *CoverageHandler) Navigator(w http.ResponseWriter, r *http.Request) {
	result, ok := h.libraryResult(w, r)
	if !ok {
		return
	}

	name := r.URL.Query().Get("name")
	layer := coverage.BuildNavigatorLayer(name, result)

	w.Header().Set("Content-Disposition", `attachment; filename="coverage-`+result.LibraryID.String()+`.json"`)
	respondJSON(w, http.StatusOK, layer)
}

// ExportNavigator handles POST /api/v1/coverage/libraries/{id}/navigator/export
func (h *CoverageHandler) ExportNavigator(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		respondError(w, http.StatusServiceUnavailable, "layer export not configured", nil)
		return
	}

	result, ok := h.libraryResult(w, r)
	if !ok {
		return
	}

	out, err := h.exporter.Export(r.Context(), result)
	if err != nil {
		h.logger.Error().Err(err).Str("library_id", result.LibraryID.String()).Msg("layer export failed")
		respondError(w, http.StatusBadGateway, "layer export failed", err)
		return
	}

	respondJSON(w, http.StatusCreated, out)
}

// libraryResult analyzes the library (served from cache when fresh)
func (h *CoverageHandler) libraryResult(w http.ResponseWriter, r *http.Request) (*models.LibraryCoverageResult, bool) {
	id, ok := h.parseID(w, r)
	if !ok {
		return nil, false
	}

	result, err := h.service.AnalyzeLibrary(r.Context(), id, coverage.LibraryOptions{
		Platform: models.Platform(strings.ToLower(r.URL.Query().Get("platform"))),
	})
	if err != nil {
		respondDomainError(w, h.logger, err)
		return nil, false
	}
	return result, true
}

func (h *CoverageHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id", err)
		return uuid.Nil, false
	}
	return id, true
}
