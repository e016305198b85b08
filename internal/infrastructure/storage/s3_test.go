package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

type recordingPutter struct {
	objects map[string][]byte
	err     error
}

func (p *recordingPutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if p.objects == nil {
		p.objects = make(map[string][]byte)
	}
	p.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(`"abc"`)}, nil
}

func sampleResult() *models.LibraryCoverageResult {
	return &models.LibraryCoverageResult{
		LibraryID:       uuid.MustParse("6f1c2e7a-0d5b-4a8e-9a53-2f1de0c1b001"),
		OverallCoverage: 0.5,
		TechniqueCoverage: map[string]models.LibraryTechniqueCoverage{
			"T1059.001": {TechniqueID: "T1059.001", Name: "PowerShell", CoverageScore: 0.8, DetectionCount: 2},
		},
		CriticalGaps: []string{},
		AnalyzedAt:   time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestLayerExporter_Keys(t *testing.T) {
	e := NewLayerExporter(&recordingPutter{}, "bucket", "layers", logger.NewNop())
	id := uuid.MustParse("6f1c2e7a-0d5b-4a8e-9a53-2f1de0c1b001")

	assert.Equal(t, "layers/libraries/6f1c2e7a-0d5b-4a8e-9a53-2f1de0c1b001/20260301T123000Z.json",
		e.LayerKey(id, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)))
	assert.Equal(t, "layers/libraries/6f1c2e7a-0d5b-4a8e-9a53-2f1de0c1b001/latest.json", e.LatestKey(id))

	bare := NewLayerExporter(&recordingPutter{}, "bucket", "", logger.NewNop())
	assert.Equal(t, "libraries/6f1c2e7a-0d5b-4a8e-9a53-2f1de0c1b001/latest.json", bare.LatestKey(id))
}

func TestLayerExporter_Export(t *testing.T) {
	putter := &recordingPutter{}
	e := NewLayerExporter(putter, "coverage", "layers/", logger.NewNop())

	out, err := e.Export(context.Background(), sampleResult())
	require.NoError(t, err)

	assert.Equal(t, `"abc"`, out.ETag)
	assert.Equal(t, "s3://coverage/"+out.Key, out.Location)
	require.Len(t, putter.objects, 2)
	assert.Equal(t, putter.objects[out.Key], putter.objects[out.LatestKey])

	var layer models.NavigatorLayer
	require.NoError(t, json.Unmarshal(putter.objects[out.Key], &layer))
	assert.Equal(t, "enterprise-attack", layer.Domain)
	require.Len(t, layer.Techniques, 1)
	assert.Equal(t, "T1059.001", layer.Techniques[0].TechniqueID)
}

func TestLayerExporter_UploadError(t *testing.T) {
	e := NewLayerExporter(&recordingPutter{err: errors.New("access denied")}, "coverage", "", logger.NewNop())

	err := e.LibraryAnalyzed(context.Background(), sampleResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
