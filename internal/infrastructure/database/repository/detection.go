package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/infrastructure/database"
	"ruleforge-lab/pkg/logger"
)

const maxDetectionPage = 500

const detectionColumns = `id, library_id, title, description, platform, rule_logic, tags, status, created_at, updated_at`

// DetectionRepository handles detection persistence
type DetectionRepository struct {
	db     database.DBTX
	logger *logger.Logger
}

// NewDetectionRepository creates a new detection repository
func NewDetectionRepository(db database.DBTX, log *logger.Logger) *DetectionRepository {
	return &DetectionRepository{db: db, logger: log.WithComponent("detection-repo")}
}

// Upsert inserts a detection or updates it in place, then replaces its manual mappings
func (r *DetectionRepository) Upsert(ctx context.Context, d *models.Detection) (*models.Detection, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DetectionStatusDraft
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `
		INSERT INTO detections (` + detectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			library_id = EXCLUDED.library_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			platform = EXCLUDED.platform,
			rule_logic = EXCLUDED.rule_logic,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`

	err := database.WithTx(ctx, r.db, r.logger, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, query,
			d.ID, d.LibraryID, d.Title, textOrNull(d.Description), string(d.Platform),
			d.RuleLogic, d.Tags, string(d.Status),
			timeToTimestamptz(d.CreatedAt), timeToTimestamptz(d.UpdatedAt),
		).Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
			return err
		}

		manual := d.ManualMappings()
		if _, err := tx.Exec(ctx,
			`DELETE FROM detection_mitre_mappings WHERE detection_id = $1 AND mapping_type = $2`,
			d.ID, string(models.MappingTypeManual),
		); err != nil {
			return err
		}
		return insertMappings(ctx, tx, d.ID, manual, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert detection: %w", err)
	}

	return d, nil
}

// GetDetection retrieves a detection with its technique mappings.
// It returns nil without error when the detection does not exist.
func (r *DetectionRepository) GetDetection(ctx context.Context, id uuid.UUID) (*models.Detection, error) {
	query := `SELECT ` + detectionColumns + ` FROM detections WHERE id = $1`

	d, err := scanDetection(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}

	if err := r.attachMappings(ctx, []*models.Detection{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// ListPublishedDetections returns one page of published detections of a library in
// stable creation order
func (r *DetectionRepository) ListPublishedDetections(ctx context.Context, libraryID uuid.UUID, offset, limit int) ([]*models.Detection, error) {
	offset, limit = clampPage(offset, limit, maxDetectionPage)

	query := `
		SELECT ` + detectionColumns + `
		FROM detections
		WHERE library_id = $1 AND status = $2
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, libraryID, string(models.DetectionStatusPublished), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var detections []*models.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		detections = append(detections, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate detections: %w", err)
	}

	if err := r.attachMappings(ctx, detections); err != nil {
		return nil, err
	}
	return detections, nil
}

// CountPublished returns the number of published detections in a library
func (r *DetectionRepository) CountPublished(ctx context.Context, libraryID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM detections WHERE library_id = $1 AND status = $2`,
		libraryID, string(models.DetectionStatusPublished),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count detections: %w", err)
	}
	return n, nil
}

// attachMappings loads the mappings of all detections in one query
func (r *DetectionRepository) attachMappings(ctx context.Context, detections []*models.Detection) error {
	if len(detections) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Detection, len(detections))
	ids := make([]string, 0, len(detections))
	for _, d := range detections {
		byID[d.ID] = d
		ids = append(ids, d.ID.String())
	}

	rows, err := r.db.Query(ctx, `
		SELECT detection_id, technique_id, mapping_type, quality_score, confidence, updated_at
		FROM detection_mitre_mappings
		WHERE detection_id = ANY($1::uuid[])
		ORDER BY detection_id, technique_id`, ids)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			detectionID uuid.UUID
			m           models.TechniqueMapping
			mappingType string
			quality     pgtype.Float8
			confidence  pgtype.Float8
			updatedAt   pgtype.Timestamptz
		)
		if err := rows.Scan(&detectionID, &m.TechniqueID, &mappingType, &quality, &confidence, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan mapping: %w", err)
		}
		m.MappingType = models.MappingType(mappingType)
		m.QualityScore = float8ToFloat(quality)
		m.Confidence = float8ToFloat(confidence)
		m.UpdatedAt = timestamptzToTime(updatedAt)

		if d, ok := byID[detectionID]; ok {
			d.Mappings = append(d.Mappings, m)
		}
	}
	return rows.Err()
}

func scanDetection(row pgx.Row) (*models.Detection, error) {
	var (
		d           models.Detection
		description pgtype.Text
		platform    string
		status      string
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)

	err := row.Scan(
		&d.ID, &d.LibraryID, &d.Title, &description, &platform,
		&d.RuleLogic, &d.Tags, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Description = nullTextToString(description)
	d.Platform = models.Platform(platform)
	d.Status = models.DetectionStatus(status)
	d.CreatedAt = timestamptzToTime(createdAt)
	d.UpdatedAt = timestamptzToTime(updatedAt)
	return &d, nil
}
