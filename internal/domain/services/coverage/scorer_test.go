package coverage

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

func validatedFor(ids ...string) []models.ValidatedTechnique {
	out := make([]models.ValidatedTechnique, len(ids))
	for i, id := range ids {
		out[i] = models.ValidatedTechnique{
			TechniqueID: id,
			Name:        id,
			Technique:   &models.Technique{ID: id, Name: id},
			Candidate:   models.TechniqueCandidate{TechniqueID: id},
		}
	}
	return out
}

func scoredIDs(scored []models.ScoredTechnique) []string {
	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.TechniqueID
	}
	return ids
}

func TestScorer_ScoreCandidates_FiltersBelowThreshold(t *testing.T) {
	fn := &fakeConfidence{scores: map[string]float64{"T1001": 0.9, "T1002": 0.6, "T1003": 0.8}}
	s := NewScorer(testCoverageConfig(), fn, logger.NewNop())

	scored := s.ScoreCandidates(context.Background(), validatedFor("T1001", "T1002", "T1003"), "content")

	require.Len(t, scored, 2)
	assert.Equal(t, []string{"T1001", "T1003"}, scoredIDs(scored))
	assert.Equal(t, 0.9, scored[0].Confidence)
	assert.Equal(t, 0.8, scored[1].Confidence)
}

func TestScorer_ScoreCandidates_ThresholdIsInclusive(t *testing.T) {
	fn := &fakeConfidence{scores: map[string]float64{"T1001": 0.75, "T1002": 0.7499}}
	s := NewScorer(testCoverageConfig(), fn, logger.NewNop())

	scored := s.ScoreCandidates(context.Background(), validatedFor("T1001", "T1002"), "content")
	assert.Equal(t, []string{"T1001"}, scoredIDs(scored))
}

func TestScorer_ScoreCandidates_StableForTies(t *testing.T) {
	fn := &fakeConfidence{scores: map[string]float64{"T1001": 0.8, "T1002": 0.9, "T1003": 0.8, "T1004": 0.8}}
	s := NewScorer(testCoverageConfig(), fn, logger.NewNop())

	scored := s.ScoreCandidates(context.Background(), validatedFor("T1001", "T1002", "T1003", "T1004"), "content")
	assert.Equal(t, []string{"T1002", "T1001", "T1003", "T1004"}, scoredIDs(scored))
}

func TestScorer_ScoreCandidates_TruncatesAfterFiltering(t *testing.T) {
	cfg := testCoverageConfig()
	cfg.MaxTechniquesPerDetection = 2
	fn := &fakeConfidence{scores: map[string]float64{"T1001": 0.95, "T1002": 0.5, "T1003": 0.8, "T1004": 0.99}}
	s := NewScorer(cfg, fn, logger.NewNop())

	scored := s.ScoreCandidates(context.Background(), validatedFor("T1001", "T1002", "T1003", "T1004"), "content")
	assert.Equal(t, []string{"T1004", "T1001"}, scoredIDs(scored))
}

func TestScorer_ScoreCandidates_DropsUnsuccessfulResults(t *testing.T) {
	fn := &fakeConfidence{
		scores: map[string]float64{"T1001": 0.9, "T1002": 0.95},
		fail:   map[string]bool{"T1002": true},
	}
	s := NewScorer(testCoverageConfig(), fn, logger.NewNop())

	scored := s.ScoreCandidates(context.Background(), validatedFor("T1001", "T1002"), "content")
	assert.Equal(t, []string{"T1001"}, scoredIDs(scored))
}

func TestScorer_CalculateTechniqueCoverage(t *testing.T) {
	cfg := testCoverageConfig()
	cfg.CriticalTechniques = []string{"T1003"}
	s := NewScorer(cfg, &fakeConfidence{}, logger.NewNop())

	critical := &models.Technique{ID: "T1055", Criticality: models.CriticalityCritical}
	high := &models.Technique{ID: "T1548", Criticality: models.CriticalityHigh}
	listed := &models.Technique{ID: "T1003.001", Criticality: models.CriticalityLow}
	normal := &models.Technique{ID: "T1566", Criticality: models.CriticalityMedium}

	tests := []struct {
		name      string
		technique *models.Technique
		quality   float64
		want      float64
	}{
		{"critical clamps instead of scaling past one", critical, 0.9, 1.0},
		{"critical doubles", critical, 0.3, 0.6},
		{"high criticality counts as critical", high, 0.2, 0.4},
		{"configured parent covers sub-technique", listed, 0.25, 0.5},
		{"normal keeps quality", normal, 0.9, 0.9},
		{"quality above one clamps", normal, 1.5, 1.0},
		{"negative quality clamps", normal, -0.2, 0.0},
		{"nil technique keeps quality", nil, 0.7, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.CalculateTechniqueCoverage("rule", tt.technique, models.TechniqueMapping{QualityScore: tt.quality})
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestScorer_CalculateTechniqueCoverage_AlwaysWithinUnitInterval(t *testing.T) {
	s := NewScorer(testCoverageConfig(), &fakeConfidence{}, logger.NewNop())
	rng := rand.New(rand.NewSource(42))
	critical := &models.Technique{ID: "T1055", Criticality: models.CriticalityCritical}

	for i := 0; i < 1000; i++ {
		q := rng.Float64()
		got := s.CalculateTechniqueCoverage("", critical, models.TechniqueMapping{QualityScore: q})
		require.GreaterOrEqual(t, got, 0.0)
		require.LessOrEqual(t, got, 1.0)
	}
}

func TestScorer_CalculateOverallCoverage(t *testing.T) {
	s := NewScorer(testCoverageConfig(), &fakeConfidence{}, logger.NewNop())

	assert.Equal(t, 0.0, s.CalculateOverallCoverage(nil))
	assert.Equal(t, 0.0, s.CalculateOverallCoverage([]models.TechniqueCoverage{}))
	assert.InDelta(t, 0.5, s.CalculateOverallCoverage([]models.TechniqueCoverage{
		{CoverageScore: 0.2},
		{CoverageScore: 0.8},
	}), 1e-9)
}
