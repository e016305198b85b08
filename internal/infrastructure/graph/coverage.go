package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

const (
	cypherUpsertDetection = `
		MERGE (l:Library {id: $library_id})
		MERGE (d:Detection {id: $id})
		SET d.title = $title,
			d.platform = $platform,
			d.library_id = $library_id,
			d.coverage_score = $coverage_score,
			d.analyzed_at = $analyzed_at
		MERGE (d)-[:BELONGS_TO]->(l)
		WITH d
		OPTIONAL MATCH (d)-[old:COVERS]->(:Technique)
		DELETE old`

	cypherLinkTechniques = `
		MATCH (d:Detection {id: $id})
		UNWIND $techniques AS t
		MERGE (tech:Technique {id: t.technique_id})
		SET tech.name = t.name,
			tech.is_critical = t.is_critical
		MERGE (d)-[c:COVERS]->(tech)
		SET c.coverage_score = t.coverage_score,
			c.confidence = t.confidence,
			c.mapping_type = t.mapping_type
		WITH tech, t
		WHERE t.parent_id <> ''
		MERGE (p:Technique {id: t.parent_id})
		MERGE (tech)-[:SUBTECHNIQUE_OF]->(p)`

	cypherUpsertLibrary = `
		MERGE (l:Library {id: $id})
		SET l.overall_coverage = $overall_coverage,
			l.critical_gaps = $critical_gaps,
			l.analyzed_detections = $analyzed_detections,
			l.analyzed_at = $analyzed_at`

	cypherDetectionsCovering = `
		MATCH (d:Detection)-[c:COVERS]->(t:Technique)
		WHERE t.id = $technique_id OR (t)-[:SUBTECHNIQUE_OF]->(:Technique {id: $technique_id})
		RETURN d.id AS detection_id, d.title AS title, t.id AS technique_id, c.coverage_score AS coverage_score
		ORDER BY c.coverage_score DESC
		LIMIT $limit`
)

// CoveringDetection is a detection found to cover a technique in the graph
type CoveringDetection struct {
	DetectionID   string  `json:"detection_id"`
	Title         string  `json:"title"`
	TechniqueID   string  `json:"technique_id"`
	CoverageScore float64 `json:"coverage_score"`
}

// CoverageGraph mirrors detection-to-technique coverage into Neo4j
type CoverageGraph struct {
	client *Neo4jClient
	logger *logger.Logger
}

// NewCoverageGraph creates a new coverage graph repository
func NewCoverageGraph(client *Neo4jClient, log *logger.Logger) *CoverageGraph {
	return &CoverageGraph{
		client: client,
		logger: log.WithComponent("coverage-graph"),
	}
}

// DetectionAnalyzed replaces the COVERS edges of a detection with the analyzed techniques
func (g *CoverageGraph) DetectionAnalyzed(ctx context.Context, detection *models.Detection, result *models.DetectionCoverageResult) error {
	detParams := detectionParams(detection, result)
	techParams := map[string]interface{}{
		"id":         detection.ID.String(),
		"techniques": techniqueParams(result.MappedTechniques),
	}

	_, err := g.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		if _, err := tx.Run(ctx, cypherUpsertDetection, detParams); err != nil {
			return nil, err
		}
		if len(result.MappedTechniques) == 0 {
			return nil, nil
		}
		_, err := tx.Run(ctx, cypherLinkTechniques, techParams)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to write detection coverage graph: %w", err)
	}
	return nil
}

// LibraryAnalyzed records library-level coverage on the library node
func (g *CoverageGraph) LibraryAnalyzed(ctx context.Context, result *models.LibraryCoverageResult) error {
	_, err := g.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, cypherUpsertLibrary, libraryParams(result))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to write library coverage graph: %w", err)
	}
	return nil
}

// DetectionsCovering lists detections covering a technique or any of its sub-techniques
func (g *CoverageGraph) DetectionsCovering(ctx context.Context, techniqueID string, limit int) ([]CoveringDetection, error) {
	if limit < 1 {
		limit = 50
	}
	params := map[string]interface{}{
		"technique_id": techniqueID,
		"limit":        limit,
	}

	result, err := g.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		records, err := tx.Run(ctx, cypherDetectionsCovering, params)
		if err != nil {
			return nil, err
		}

		var out []CoveringDetection
		for records.Next(ctx) {
			out = append(out, recordToCovering(records.Record()))
		}
		return out, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query covering detections: %w", err)
	}

	covering, _ := result.([]CoveringDetection)
	return covering, nil
}

// Stats returns node and relationship counts
func (g *CoverageGraph) Stats(ctx context.Context) (map[string]int64, error) {
	return g.client.Stats(ctx)
}

func detectionParams(detection *models.Detection, result *models.DetectionCoverageResult) map[string]interface{} {
	analyzedAt := result.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now().UTC()
	}
	return map[string]interface{}{
		"id":             detection.ID.String(),
		"library_id":     detection.LibraryID.String(),
		"title":          detection.Title,
		"platform":       string(detection.Platform),
		"coverage_score": result.CoverageScore,
		"analyzed_at":    analyzedAt.Unix(),
	}
}

func techniqueParams(techniques []models.TechniqueCoverage) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(techniques))
	for _, t := range techniques {
		parent := models.ParentTechniqueID(t.TechniqueID)
		if parent == t.TechniqueID {
			parent = ""
		}
		out = append(out, map[string]interface{}{
			"technique_id":   t.TechniqueID,
			"name":           t.Name,
			"parent_id":      parent,
			"is_critical":    t.IsCritical,
			"coverage_score": t.CoverageScore,
			"confidence":     t.Confidence,
			"mapping_type":   string(t.MappingType),
		})
	}
	return out
}

func libraryParams(result *models.LibraryCoverageResult) map[string]interface{} {
	gaps := result.CriticalGaps
	if gaps == nil {
		gaps = []string{}
	}
	return map[string]interface{}{
		"id":                  result.LibraryID.String(),
		"overall_coverage":    result.OverallCoverage,
		"critical_gaps":       gaps,
		"analyzed_detections": result.AnalyzedDetections,
		"analyzed_at":         result.AnalyzedAt.Unix(),
	}
}

func recordToCovering(record *neo4j.Record) CoveringDetection {
	var c CoveringDetection
	if v, ok := record.Get("detection_id"); ok {
		c.DetectionID, _ = v.(string)
	}
	if v, ok := record.Get("title"); ok {
		c.Title, _ = v.(string)
	}
	if v, ok := record.Get("technique_id"); ok {
		c.TechniqueID, _ = v.(string)
	}
	if v, ok := record.Get("coverage_score"); ok {
		c.CoverageScore, _ = v.(float64)
	}
	return c
}
