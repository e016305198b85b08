package coverage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
)

func detectionResult(techniques ...models.TechniqueCoverage) *models.DetectionCoverageResult {
	return &models.DetectionCoverageResult{
		DetectionID:      uuid.New(),
		MappedTechniques: techniques,
	}
}

func tc(id, name string, score float64) models.TechniqueCoverage {
	return models.TechniqueCoverage{TechniqueID: id, Name: name, CoverageScore: score}
}

var defaultThresholds = Thresholds{MinCoverageScore: 0.4}

func TestAggregate_EmptyInput(t *testing.T) {
	lib := uuid.New()
	got := Aggregate(lib, nil, defaultThresholds)

	require.NotNil(t, got)
	assert.Equal(t, lib, got.LibraryID)
	assert.Equal(t, 0.0, got.OverallCoverage)
	assert.NotNil(t, got.TechniqueCoverage)
	assert.Empty(t, got.TechniqueCoverage)
	assert.Empty(t, got.CriticalGaps)
	assert.Empty(t, got.Recommendations)
	assert.Zero(t, got.AnalyzedDetections)
}

func TestAggregate_MergesByMaximumAndCountsDetections(t *testing.T) {
	results := []*models.DetectionCoverageResult{
		detectionResult(tc("T1059", "Command and Scripting Interpreter", 0.5), tc("T1055", "Process Injection", 1.0)),
		detectionResult(tc("T1059", "renamed later", 0.9)),
		detectionResult(tc("T1059", "", 0.7)),
	}

	got := Aggregate(uuid.New(), results, defaultThresholds)

	require.Len(t, got.TechniqueCoverage, 2)
	t1059 := got.TechniqueCoverage["T1059"]
	assert.Equal(t, "Command and Scripting Interpreter", t1059.Name, "name comes from the first occurrence")
	assert.Equal(t, 0.9, t1059.CoverageScore)
	assert.Equal(t, 3, t1059.DetectionCount)
	assert.Equal(t, 1, got.TechniqueCoverage["T1055"].DetectionCount)
	assert.Equal(t, 3, got.AnalyzedDetections)
}

func TestAggregate_DuplicateTechniqueInOneDetectionCountsOnce(t *testing.T) {
	results := []*models.DetectionCoverageResult{
		detectionResult(tc("T1059", "CSI", 0.5), tc("T1059", "CSI", 0.6)),
	}

	got := Aggregate(uuid.New(), results, defaultThresholds)
	assert.Equal(t, 1, got.TechniqueCoverage["T1059"].DetectionCount)
	assert.Equal(t, 0.6, got.TechniqueCoverage["T1059"].CoverageScore)
}

func TestAggregate_CriticalGapIffBelowMinimum(t *testing.T) {
	results := []*models.DetectionCoverageResult{
		detectionResult(tc("T1001", "a", 0.1), tc("T1002", "b", 0.39), tc("T1003", "c", 0.4)),
		detectionResult(tc("T1004", "d", 0.0), tc("T1005", "e", 0.95), tc("T1001", "a", 0.2)),
		detectionResult(tc("T1002", "b", 0.41)),
	}

	got := Aggregate(uuid.New(), results, defaultThresholds)

	for id, cov := range got.TechniqueCoverage {
		assert.Equal(t, cov.CoverageScore < 0.4, got.IsCriticalGap(id), id)
		assert.GreaterOrEqual(t, cov.DetectionCount, 1)
	}
	assert.Equal(t, []string{"T1001", "T1004"}, got.CriticalGaps)
}

func TestAggregate_RecommendationOrder(t *testing.T) {
	results := []*models.DetectionCoverageResult{
		detectionResult(tc("T1059", "CSI", 0.9), tc("T1005", "Local Data", 0.2)),
		detectionResult(tc("T1059", "CSI", 0.8), tc("T1566", "Phishing", 0.7)),
		detectionResult(tc("T1003", "Credential Dumping", 0.3), tc("T1027", "Obfuscation", 0.6)),
	}

	got := Aggregate(uuid.New(), results, defaultThresholds)

	type rec struct {
		priority models.RecommendationPriority
		id       string
	}
	var recs []rec
	for _, r := range got.Recommendations {
		recs = append(recs, rec{r.Priority, r.TechniqueID})
	}
	assert.Equal(t, []rec{
		{models.PriorityHigh, "T1005"},
		{models.PriorityHigh, "T1003"},
		{models.PriorityMedium, "T1566"},
		{models.PriorityMedium, "T1027"},
	}, recs)

	assert.Contains(t, got.Recommendations[0].Recommendation, "Critical coverage gap detected")
	assert.Contains(t, got.Recommendations[2].Recommendation, "redundant coverage")
	assert.Equal(t, 0.2, got.Recommendations[0].CurrentCoverage)
}

func TestAggregate_LibraryWithOneWeakCredentialDumpingRule(t *testing.T) {
	results := []*models.DetectionCoverageResult{
		detectionResult(tc("T1059", "Command and Scripting Interpreter", 0.9), tc("T1055", "Process Injection", 1.0)),
		detectionResult(tc("T1059", "Command and Scripting Interpreter", 0.8)),
		detectionResult(tc("T1003", "OS Credential Dumping", 0.3)),
	}

	got := Aggregate(uuid.New(), results, defaultThresholds)

	assert.Equal(t, []string{"T1003"}, got.CriticalGaps)

	var high []models.Recommendation
	for _, r := range got.Recommendations {
		if r.Priority == models.PriorityHigh {
			high = append(high, r)
		}
	}
	require.Len(t, high, 1)
	assert.Equal(t, "T1003", high[0].TechniqueID)

	assert.InDelta(t, (0.9+1.0+0.3)/3, got.OverallCoverage, 1e-9)
}

func TestAggregate_IsIdempotent(t *testing.T) {
	lib := uuid.New()
	results := []*models.DetectionCoverageResult{
		detectionResult(tc("T1059", "CSI", 0.9), tc("T1005", "Local Data", 0.2)),
		detectionResult(tc("T1059", "CSI", 0.8), tc("T1566", "Phishing", 0.7)),
		nil,
	}

	first := Aggregate(lib, results, defaultThresholds)
	second := Aggregate(lib, results, defaultThresholds)
	assert.Equal(t, first, second)
	assert.Equal(t, 0.9, results[0].MappedTechniques[0].CoverageScore, "inputs are not mutated")
}
