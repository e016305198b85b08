package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

var errTransient = errors.New("connection reset by peer")

// memCache is an in-memory Cache that counts round trips
type memCache struct {
	mu       sync.Mutex
	data     map[string][]byte
	gets     int
	getManys int
	sets     int
	setManys int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (c *memCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *memCache) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getManys++
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := c.data[k]; ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (c *memCache) SetManyWithTTL(ctx context.Context, pairs map[string][]byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setManys++
	for k, v := range pairs {
		c.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (c *memCache) put(t *testing.T, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.mu.Lock()
	c.data[key] = data
	c.mu.Unlock()
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// fakeSource serves techniques from a map and records calls per id
type fakeSource struct {
	mu         sync.Mutex
	techniques map[string]*models.RawTechnique
	failures   map[string]error
	failTimes  map[string]int
	calls      map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		techniques: testTaxonomy(),
		failures:   make(map[string]error),
		failTimes:  make(map[string]int),
		calls:      make(map[string]int),
	}
}

func (s *fakeSource) FetchTechnique(ctx context.Context, id string) (*models.RawTechnique, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++

	if n := s.failTimes[id]; n > 0 {
		s.failTimes[id] = n - 1
		return nil, errTransient
	}
	if err, ok := s.failures[id]; ok {
		return nil, err
	}
	raw, ok := s.techniques[id]
	if !ok {
		return nil, ErrTechniqueNotFound
	}
	cp := *raw
	return &cp, nil
}

func (s *fakeSource) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *fakeSource) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// listingSource adds sub-technique enumeration to fakeSource
type listingSource struct {
	*fakeSource
}

func (s listingSource) ListSubtechniques(ctx context.Context, parentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.techniques {
		if strings.HasPrefix(id, parentID+".") {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func testTaxonomy() map[string]*models.RawTechnique {
	return map[string]*models.RawTechnique{
		"T1055": {
			ID:          "T1055",
			Name:        "Process Injection",
			Tactics:     []string{"defense-evasion", "privilege-escalation"},
			Criticality: models.CriticalityCritical,
			Relationships: map[string]models.TechniqueRef{
				"T1055.001": {ID: "T1055.001", Relationship: models.RelationshipParentOf},
				"T1055.002": {ID: "T1055.002", Relationship: models.RelationshipParentOf},
			},
		},
		"T1055.001": {
			ID:             "T1055.001",
			Name:           "Dynamic-link Library Injection",
			IsSubtechnique: true,
			Relationships: map[string]models.TechniqueRef{
				"T1055": {ID: "T1055", Relationship: models.RelationshipSubtechniqueOf},
			},
		},
		"T1055.002": {ID: "T1055.002", Name: "Portable Executable Injection", IsSubtechnique: true, Deprecated: true},
		"T1003":     {ID: "T1003", Name: "OS Credential Dumping", Criticality: models.CriticalityMedium},
		"T1059":     {ID: "T1059", Name: "Command and Scripting Interpreter", Criticality: models.CriticalityMedium},
		"T1566":     {ID: "T1566", Name: "Phishing", Criticality: models.CriticalityLow},
		"T1027":     {ID: "T1027", Name: "Obfuscated Files or Information"},
		"T1064":     {ID: "T1064", Name: "Scripting", Deprecated: true},
	}
}

func testRegistryConfig() config.RegistryConfig {
	return config.RegistryConfig{
		CacheVersion:    "test",
		CacheTTL:        24 * time.Hour,
		FetchTimeout:    time.Second,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BulkConcurrency: 4,
	}
}

func testCoverageConfig() config.CoverageConfig {
	return config.CoverageConfig{
		MinConfidenceThreshold:    0.75,
		MinCoverageScore:          0.4,
		CriticalWeight:            2.0,
		MaxTechniquesPerDetection: 10,
		BatchSize:                 100,
		MaxConcurrency:            4,
		ResultCacheTTL:            time.Hour,
	}
}

// fakeGenerator proposes candidates keyed by a substring of the detection content
type fakeGenerator struct {
	mu        sync.Mutex
	byContent map[string][]models.TechniqueCandidate
	err       error
	calls     int
}

func (g *fakeGenerator) ProposeTechniques(ctx context.Context, content string) (*models.CandidateProposal, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	for marker, candidates := range g.byContent {
		if strings.Contains(content, marker) {
			return &models.CandidateProposal{Success: true, Candidates: candidates}, nil
		}
	}
	return &models.CandidateProposal{Success: true}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeConfidence echoes the candidate's own confidence unless overridden
type fakeConfidence struct {
	scores map[string]float64
	fail   map[string]bool
	block  bool
}

func (f *fakeConfidence) Score(ctx context.Context, content string, candidate models.TechniqueCandidate) (*models.ConfidenceResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fail[candidate.TechniqueID] {
		return &models.ConfidenceResult{Success: false}, nil
	}
	if conf, ok := f.scores[candidate.TechniqueID]; ok {
		return &models.ConfidenceResult{Success: true, Confidence: conf}, nil
	}
	return &models.ConfidenceResult{Success: true, Confidence: candidate.Confidence}, nil
}

// fakeStore keeps detections in insertion order
type fakeStore struct {
	mu         sync.Mutex
	detections []*models.Detection
	listCalls  int
}

func (s *fakeStore) add(d *models.Detection) *models.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, d)
	return d
}

func (s *fakeStore) GetDetection(ctx context.Context, id uuid.UUID) (*models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.detections {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListPublishedDetections(ctx context.Context, libraryID uuid.UUID, offset, limit int) ([]*models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++

	var published []*models.Detection
	for _, d := range s.detections {
		if d.LibraryID == libraryID && d.Status == models.DetectionStatusPublished {
			published = append(published, d)
		}
	}
	if offset >= len(published) {
		return nil, nil
	}
	end := offset + limit
	if end > len(published) {
		end = len(published)
	}
	return published[offset:end], nil
}

// recordingSink counts sink invocations
type recordingSink struct {
	mu         sync.Mutex
	detections int
	libraries  []*models.LibraryCoverageResult
}

func (s *recordingSink) DetectionAnalyzed(ctx context.Context, d *models.Detection, r *models.DetectionCoverageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections++
	return nil
}

func (s *recordingSink) LibraryAnalyzed(ctx context.Context, r *models.LibraryCoverageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.libraries = append(s.libraries, r)
	return errors.New("sink unavailable")
}

func newDetection(library uuid.UUID, title string, platform models.Platform) *models.Detection {
	return &models.Detection{
		ID:        uuid.New(),
		LibraryID: library,
		Title:     title,
		Platform:  platform,
		RuleLogic: "selection: process_name|endswith: '.exe'",
		Status:    models.DetectionStatusPublished,
		UpdatedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestRegistry(src TaxonomySource, c Cache) *Registry {
	return NewRegistry(testRegistryConfig(), src, c, logger.NewNop())
}
