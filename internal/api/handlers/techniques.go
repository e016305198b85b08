package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

const (
	maxBulkTechniques = 500
	defaultGraphDepth = 2
)

// TechniquesHandler serves technique lookups from the registry
type TechniquesHandler struct {
	registry TechniqueRegistry
	graph    CoverageGraphReader
	logger   *logger.Logger
}

// NewTechniquesHandler creates a new techniques handler
func NewTechniquesHandler(registry TechniqueRegistry, graph CoverageGraphReader, log *logger.Logger) *TechniquesHandler {
	return &TechniquesHandler{
		registry: registry,
		graph:    graph,
		logger:   log.WithComponent("techniques-handler"),
	}
}

// Get handles GET /api/v1/techniques/{id}
func (h *TechniquesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(chi.URLParam(r, "id"))

	technique, err := h.registry.GetTechnique(r.Context(), id)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, technique)
}

// Graph handles GET /api/v1/techniques/{id}/graph?depth=N
func (h *TechniquesHandler) Graph(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(chi.URLParam(r, "id"))

	depth := defaultGraphDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			respondError(w, http.StatusBadRequest, "depth must be a non-negative integer", nil)
			return
		}
		depth = d
	}

	report := h.registry.ValidateTechniqueGraph(r.Context(), id, depth)
	if err := r.Context().Err(); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// BulkRequest is the body of POST /api/v1/techniques/bulk
type BulkRequest struct {
	IDs []string `json:"ids"`
}

// BulkResponse lists resolved techniques and the ids that did not resolve
type BulkResponse struct {
	Techniques map[string]*models.Technique `json:"techniques"`
	Missing    []string                     `json:"missing"`
}

// Bulk handles POST /api/v1/techniques/bulk
func (h *TechniquesHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids must not be empty", nil)
		return
	}
	if len(req.IDs) > maxBulkTechniques {
		respondError(w, http.StatusBadRequest, "too many ids (max 500)", nil)
		return
	}

	ids := make([]string, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = strings.ToUpper(strings.TrimSpace(id))
	}

	found := h.registry.GetBulk(r.Context(), ids)
	if err := r.Context().Err(); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	missing := []string{}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; !ok && !seen[id] {
			missing = append(missing, id)
		}
		seen[id] = true
	}

	respondJSON(w, http.StatusOK, BulkResponse{Techniques: found, Missing: missing})
}

// Covering handles GET /api/v1/techniques/{id}/detections?limit=N from the coverage graph
func (h *TechniquesHandler) Covering(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		respondError(w, http.StatusServiceUnavailable, "coverage graph not configured", nil)
		return
	}

	id := strings.ToUpper(chi.URLParam(r, "id"))
	if !models.ValidTechniqueID(id) {
		respondError(w, http.StatusBadRequest, "invalid technique id", nil)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	detections, err := h.graph.DetectionsCovering(r.Context(), id, limit)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"technique_id": id,
		"detections":   detections,
		"count":        len(detections),
	})
}
