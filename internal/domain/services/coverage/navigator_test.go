package coverage

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
)

func TestBuildNavigatorLayer(t *testing.T) {
	result := Aggregate(uuid.New(), []*models.DetectionCoverageResult{
		detectionResult(tc("T1059", "Command and Scripting Interpreter", 0.9), tc("T1003", "OS Credential Dumping", 0.3)),
		detectionResult(tc("T1059", "Command and Scripting Interpreter", 0.6)),
	}, defaultThresholds)
	result.TotalDetections = 2

	layer := BuildNavigatorLayer("SOC baseline", result)

	assert.Equal(t, "SOC baseline", layer.Name)
	assert.Equal(t, "enterprise-attack", layer.Domain)
	require.Len(t, layer.Techniques, 2)

	gap := layer.Techniques[0]
	assert.Equal(t, "T1003", gap.TechniqueID)
	assert.Equal(t, 30, gap.Score)
	assert.Equal(t, "#ff9933", gap.Color)
	assert.Contains(t, gap.Comment, "Critical gap")

	covered := layer.Techniques[1]
	assert.Equal(t, "T1059", covered.TechniqueID)
	assert.Equal(t, 90, covered.Score)
	assert.Equal(t, "#66cc66", covered.Color)
	assert.NotContains(t, covered.Comment, "Critical gap")

	data, err := json.Marshal(layer)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"techniqueID":"T1003"`)
}

func TestBuildNavigatorLayer_DefaultName(t *testing.T) {
	lib := uuid.New()
	layer := BuildNavigatorLayer("", Aggregate(lib, nil, defaultThresholds))

	assert.Contains(t, layer.Name, lib.String())
	assert.Empty(t, layer.Techniques)
}
