package graph

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
)

func TestTechniqueParams_SubtechniqueGetsParent(t *testing.T) {
	params := techniqueParams([]models.TechniqueCoverage{
		{TechniqueID: "T1055.001", Name: "DLL Injection", CoverageScore: 0.8, MappingType: models.MappingTypeAIGenerated},
		{TechniqueID: "T1003", Name: "OS Credential Dumping", CoverageScore: 0.3, MappingType: models.MappingTypeManual},
	})

	require.Len(t, params, 2)
	assert.Equal(t, "T1055", params[0]["parent_id"])
	assert.Equal(t, "ai_generated", params[0]["mapping_type"])
	assert.Equal(t, "", params[1]["parent_id"], "top-level techniques have no parent edge")
}

func TestDetectionParams(t *testing.T) {
	det := &models.Detection{
		ID:        uuid.New(),
		LibraryID: uuid.New(),
		Title:     "LSASS access",
		Platform:  models.PlatformSigma,
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	params := detectionParams(det, &models.DetectionCoverageResult{CoverageScore: 0.65, AnalyzedAt: at})

	assert.Equal(t, det.ID.String(), params["id"])
	assert.Equal(t, det.LibraryID.String(), params["library_id"])
	assert.Equal(t, "sigma", params["platform"])
	assert.Equal(t, 0.65, params["coverage_score"])
	assert.Equal(t, at.Unix(), params["analyzed_at"])
}

func TestLibraryParams_NilGapsBecomeEmptyList(t *testing.T) {
	params := libraryParams(&models.LibraryCoverageResult{LibraryID: uuid.New()})
	assert.Equal(t, []string{}, params["critical_gaps"])
}

func TestRecordToCovering(t *testing.T) {
	record := &neo4j.Record{
		Keys:   []string{"detection_id", "title", "technique_id", "coverage_score"},
		Values: []any{"d-1", "Mimikatz", "T1003.001", 0.9},
	}

	assert.Equal(t, CoveringDetection{
		DetectionID:   "d-1",
		Title:         "Mimikatz",
		TechniqueID:   "T1003.001",
		CoverageScore: 0.9,
	}, recordToCovering(record))
}
