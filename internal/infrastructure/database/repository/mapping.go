package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/infrastructure/database"
	"ruleforge-lab/pkg/logger"
)

// MappingRepository persists derived technique mappings and library coverage snapshots
type MappingRepository struct {
	db     database.DBTX
	logger *logger.Logger
}

// NewMappingRepository creates a new mapping repository
func NewMappingRepository(db database.DBTX, log *logger.Logger) *MappingRepository {
	return &MappingRepository{db: db, logger: log.WithComponent("mapping-repo")}
}

// ReplaceAIMappings swaps the AI-generated mappings of a detection for a new set.
// Manual mappings are never touched; an AI mapping for a technique that already has a
// manual mapping is skipped.
func (r *MappingRepository) ReplaceAIMappings(ctx context.Context, detectionID uuid.UUID, mappings []models.TechniqueMapping) error {
	now := time.Now().UTC()
	err := database.WithTx(ctx, r.db, r.logger, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM detection_mitre_mappings WHERE detection_id = $1 AND mapping_type = $2`,
			detectionID, string(models.MappingTypeAIGenerated),
		); err != nil {
			return err
		}
		return insertMappings(ctx, tx, detectionID, mappings, now)
	})
	if err != nil {
		return fmt.Errorf("failed to replace mappings: %w", err)
	}
	return nil
}

// SaveLibrarySnapshot stores a library coverage result for trend reporting
func (r *MappingRepository) SaveLibrarySnapshot(ctx context.Context, result *models.LibraryCoverageResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal library coverage: %w", err)
	}

	analyzedAt := result.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now().UTC()
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO library_coverage_snapshots (
			id, library_id, overall_coverage, critical_gap_count, analyzed_detections, result, analyzed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), result.LibraryID, floatToFloat8(result.OverallCoverage),
		len(result.CriticalGaps), result.AnalyzedDetections, payload, timeToTimestamptz(analyzedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save library snapshot: %w", err)
	}
	return nil
}

// LatestLibrarySnapshot returns the most recent stored coverage of a library, or nil
func (r *MappingRepository) LatestLibrarySnapshot(ctx context.Context, libraryID uuid.UUID) (*models.LibraryCoverageResult, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `
		SELECT result FROM library_coverage_snapshots
		WHERE library_id = $1
		ORDER BY analyzed_at DESC
		LIMIT 1`, libraryID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load library snapshot: %w", err)
	}

	var result models.LibraryCoverageResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode library snapshot: %w", err)
	}
	return &result, nil
}

// DetectionAnalyzed persists the AI-generated mappings of a fresh detection analysis
func (r *MappingRepository) DetectionAnalyzed(ctx context.Context, detection *models.Detection, result *models.DetectionCoverageResult) error {
	return r.ReplaceAIMappings(ctx, detection.ID, AIMappingsFromResult(result))
}

// LibraryAnalyzed persists a library coverage snapshot
func (r *MappingRepository) LibraryAnalyzed(ctx context.Context, result *models.LibraryCoverageResult) error {
	return r.SaveLibrarySnapshot(ctx, result)
}

// AIMappingsFromResult extracts the AI-generated technique mappings of a detection result
func AIMappingsFromResult(result *models.DetectionCoverageResult) []models.TechniqueMapping {
	var out []models.TechniqueMapping
	for _, tc := range result.MappedTechniques {
		if tc.MappingType != models.MappingTypeAIGenerated {
			continue
		}
		out = append(out, models.TechniqueMapping{
			TechniqueID:  tc.TechniqueID,
			QualityScore: tc.QualityScore,
			MappingType:  models.MappingTypeAIGenerated,
			Confidence:   tc.Confidence,
		})
	}
	return out
}

func insertMappings(ctx context.Context, tx pgx.Tx, detectionID uuid.UUID, mappings []models.TechniqueMapping, now time.Time) error {
	if len(mappings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range mappings {
		batch.Queue(`
			INSERT INTO detection_mitre_mappings (
				detection_id, technique_id, mapping_type, quality_score, confidence, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (detection_id, technique_id) DO NOTHING`,
			detectionID, m.TechniqueID, string(m.MappingType),
			floatToFloat8(m.QualityScore), floatToFloat8(m.Confidence), timeToTimestamptz(now),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range mappings {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}
