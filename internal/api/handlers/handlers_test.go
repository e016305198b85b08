package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/internal/infrastructure/graph"
	"ruleforge-lab/internal/infrastructure/storage"
	"ruleforge-lab/pkg/logger"
)

var (
	knownDetection = uuid.MustParse("0b8f4c52-7a0e-4b1c-9d3e-5f6a7b8c9d01")
	knownLibrary   = uuid.MustParse("1c9a5d63-8b1f-4c2d-8e4f-6a7b8c9d0e12")
)

type fakeService struct {
	lastDetectionOpts coverage.AnalyzeOptions
	lastLibraryOpts   coverage.LibraryOptions
}

func (f *fakeService) AnalyzeDetection(ctx context.Context, id uuid.UUID, opts coverage.AnalyzeOptions) (*models.DetectionCoverageResult, error) {
	f.lastDetectionOpts = opts
	if id != knownDetection {
		return nil, fmt.Errorf("%w: %s", coverage.ErrDetectionNotFound, id)
	}
	return &models.DetectionCoverageResult{
		DetectionID:   id,
		CoverageScore: 0.72,
		MappedTechniques: []models.TechniqueCoverage{
			{TechniqueID: "T1059.001", Name: "PowerShell", CoverageScore: 0.72, MappingType: models.MappingTypeAIGenerated},
		},
		ValidationErrors: []string{},
	}, nil
}

func (f *fakeService) AnalyzeLibrary(ctx context.Context, id uuid.UUID, opts coverage.LibraryOptions) (*models.LibraryCoverageResult, error) {
	f.lastLibraryOpts = opts
	if opts.Platform != "" && !opts.Platform.IsValid() {
		return nil, fmt.Errorf("%w: %s", coverage.ErrUnsupportedPlatform, opts.Platform)
	}
	return &models.LibraryCoverageResult{
		LibraryID:       id,
		OverallCoverage: 0.6,
		TechniqueCoverage: map[string]models.LibraryTechniqueCoverage{
			"T1003.001": {TechniqueID: "T1003.001", Name: "LSASS Memory", CoverageScore: 0.3, DetectionCount: 1},
		},
		CriticalGaps:    []string{"T1003.001"},
		Recommendations: []models.Recommendation{},
		TotalDetections: 1,
	}, nil
}

type fakeRegistry struct{}

func (fakeRegistry) GetTechnique(ctx context.Context, id string) (*models.Technique, error) {
	switch {
	case !models.ValidTechniqueID(id):
		return nil, &coverage.TechniqueError{ID: id, Err: coverage.ErrInvalidTechniqueID}
	case id == "T1059":
		return &models.Technique{ID: "T1059", Name: "Command and Scripting Interpreter"}, nil
	default:
		return nil, &coverage.TechniqueError{ID: id, Err: coverage.ErrTechniqueNotFound}
	}
}

func (r fakeRegistry) GetBulk(ctx context.Context, ids []string) map[string]*models.Technique {
	out := make(map[string]*models.Technique)
	for _, id := range ids {
		if t, err := r.GetTechnique(ctx, id); err == nil {
			out[id] = t
		}
	}
	return out
}

func (fakeRegistry) ValidateTechniqueGraph(ctx context.Context, id string, depth int) *models.TechniqueGraphReport {
	return &models.TechniqueGraphReport{RootID: id, Depth: depth, Valid: true}
}

func (fakeRegistry) Stats() coverage.RegistryStats {
	return coverage.RegistryStats{CacheVersion: "v1", CacheHits: 3}
}

type fakeExporter struct{ err error }

func (f fakeExporter) Export(ctx context.Context, result *models.LibraryCoverageResult) (*storage.ExportOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &storage.ExportOutput{Key: "libraries/" + result.LibraryID.String() + "/latest.json"}, nil
}

type fakeGraph struct{}

func (fakeGraph) DetectionsCovering(ctx context.Context, techniqueID string, limit int) ([]graph.CoveringDetection, error) {
	return []graph.CoveringDetection{{DetectionID: knownDetection.String(), CoverageScore: 0.8}}, nil
}

func (fakeGraph) Stats(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"Detection": 1}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestRouter(svc *fakeService, exporter LayerExporter) http.Handler {
	h := NewHandlers(Dependencies{
		Service:  svc,
		Registry: fakeRegistry{},
		Exporter: exporter,
		Graph:    fakeGraph{},
		Checks:   map[string]Pinger{"redis": fakePinger{}},
		Logger:   logger.NewNop(),
	})

	r := chi.NewRouter()
	r.Get("/health", h.Health.Check)
	r.Get("/ready", h.Health.Ready)
	r.Get("/stats", h.Stats.Get)
	r.Get("/techniques/{id}", h.Techniques.Get)
	r.Get("/techniques/{id}/graph", h.Techniques.Graph)
	r.Get("/techniques/{id}/detections", h.Techniques.Covering)
	r.Post("/techniques/bulk", h.Techniques.Bulk)
	r.Post("/coverage/detections/{id}", h.Coverage.AnalyzeDetection)
	r.Post("/coverage/libraries/{id}", h.Coverage.AnalyzeLibrary)
	r.Get("/coverage/libraries/{id}/latest", h.Coverage.LatestSnapshot)
	r.Get("/coverage/libraries/{id}/navigator", h.Coverage.Navigator)
	r.Post("/coverage/libraries/{id}/navigator/export", h.Coverage.ExportNavigator)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTechniquesHandler_Get(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)

	rec := do(t, h, http.MethodGet, "/techniques/t1059", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var technique models.Technique
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &technique))
	assert.Equal(t, "T1059", technique.ID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/techniques/T9999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/techniques/bogus", nil).Code)
}

func TestTechniquesHandler_Graph(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)

	rec := do(t, h, http.MethodGet, "/techniques/T1059/graph?depth=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report models.TechniqueGraphReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 3, report.Depth)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/techniques/T1059/graph?depth=-1", nil).Code)
}

func TestTechniquesHandler_Bulk(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)

	rec := do(t, h, http.MethodPost, "/techniques/bulk", BulkRequest{IDs: []string{"T1059", "T9999", "T9999"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BulkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Techniques, "T1059")
	assert.Equal(t, []string{"T9999"}, resp.Missing)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/techniques/bulk", BulkRequest{}).Code)
}

func TestTechniquesHandler_Covering(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)

	rec := do(t, h, http.MethodGet, "/techniques/T1059/detections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), knownDetection.String())
}

func TestCoverageHandler_AnalyzeDetection(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/coverage/detections/"+knownDetection.String(), AnalyzeDetectionRequest{ForceRefresh: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.lastDetectionOpts.ForceRefresh)

	var result models.DetectionCoverageResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.InDelta(t, 0.72, result.CoverageScore, 1e-9)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/coverage/detections/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/coverage/detections/not-a-uuid", nil).Code)
}

func TestCoverageHandler_AnalyzeLibrary(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/coverage/libraries/"+knownLibrary.String(), AnalyzeLibraryRequest{Platform: "Sigma", FailFast: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PlatformSigma, svc.lastLibraryOpts.Platform)
	assert.True(t, svc.lastLibraryOpts.FailFast)

	rec = do(t, h, http.MethodPost, "/coverage/libraries/"+knownLibrary.String(), AnalyzeLibraryRequest{Platform: "osquery"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/coverage/libraries/"+knownLibrary.String(), map[string]interface{}{"unknown": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCoverageHandler_Navigator(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)

	rec := do(t, h, http.MethodGet, "/coverage/libraries/"+knownLibrary.String()+"/navigator", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var layer models.NavigatorLayer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layer))
	require.Len(t, layer.Techniques, 1)
	assert.Contains(t, layer.Techniques[0].Comment, "Critical gap")
}

func TestCoverageHandler_ExportNavigator(t *testing.T) {
	path := "/coverage/libraries/" + knownLibrary.String() + "/navigator/export"

	assert.Equal(t, http.StatusServiceUnavailable, do(t, newTestRouter(&fakeService{}, nil), http.MethodPost, path, nil).Code)

	rec := do(t, newTestRouter(&fakeService{}, fakeExporter{}), http.MethodPost, path, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), knownLibrary.String())

	rec = do(t, newTestRouter(&fakeService{}, fakeExporter{err: errors.New("denied")}), http.MethodPost, path, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCoverageHandler_LatestSnapshotNotConfigured(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)
	rec := do(t, h, http.MethodGet, "/coverage/libraries/"+knownLibrary.String()+"/latest", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	h := newTestRouter(&fakeService{}, nil)

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Checks["redis"])

	failing := NewHealthHandler(map[string]Pinger{"postgres": fakePinger{err: errors.New("refused")}}, "", logger.NewNop())
	rec = httptest.NewRecorder()
	failing.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsHandler(t *testing.T) {
	rec := do(t, newTestRouter(&fakeService{}, nil), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "registry")
	assert.Contains(t, body, "graph")
	assert.Contains(t, body, "streaming")
}
