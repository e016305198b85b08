package coverage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ruleforge-lab/internal/domain/models"
)

// TaxonomySource fetches raw technique records from a reference taxonomy.
// Implementations return ErrTechniqueNotFound when the id is unknown.
type TaxonomySource interface {
	FetchTechnique(ctx context.Context, id string) (*models.RawTechnique, error)
}

// SiblingLister is implemented by sources that can enumerate the sub-techniques of a parent
type SiblingLister interface {
	ListSubtechniques(ctx context.Context, parentID string) ([]string, error)
}

// Cache stores opaque byte payloads. Get returns nil with a nil error on a miss;
// GetMany returns one entry per key, nil for misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	SetManyWithTTL(ctx context.Context, pairs map[string][]byte, ttl time.Duration) error
}

// CandidateGenerator proposes technique candidates for detection content
type CandidateGenerator interface {
	ProposeTechniques(ctx context.Context, content string) (*models.CandidateProposal, error)
}

// ConfidenceFunc scores how well content addresses a single candidate
type ConfidenceFunc interface {
	Score(ctx context.Context, content string, candidate models.TechniqueCandidate) (*models.ConfidenceResult, error)
}

// DetectionStore reads detections. GetDetection returns nil (or ErrDetectionNotFound) for
// unknown ids. ListPublishedDetections is paged; callers advance offset until an empty page.
type DetectionStore interface {
	GetDetection(ctx context.Context, id uuid.UUID) (*models.Detection, error)
	ListPublishedDetections(ctx context.Context, libraryID uuid.UUID, offset, limit int) ([]*models.Detection, error)
}

// ResultSink receives completed analyses for persistence or fan-out.
// Sink errors are logged by the caller and never fail an analysis.
type ResultSink interface {
	DetectionAnalyzed(ctx context.Context, detection *models.Detection, result *models.DetectionCoverageResult) error
	LibraryAnalyzed(ctx context.Context, result *models.LibraryCoverageResult) error
}

// TechniqueResolver resolves a single technique id
type TechniqueResolver interface {
	GetTechnique(ctx context.Context, id string) (*models.Technique, error)
}
