package models

import (
	"time"

	"github.com/google/uuid"
)

// TechniqueCandidate is an AI-proposed technique mapping not yet validated
type TechniqueCandidate struct {
	TechniqueID  string   `json:"technique_id"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Tactics      []string `json:"tactics,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	QualityScore float64  `json:"quality_score,omitempty"`
	Rationale    string   `json:"rationale,omitempty"`
}

// CandidateProposal is the output of a candidate generator
type CandidateProposal struct {
	Success    bool                 `json:"success"`
	Candidates []TechniqueCandidate `json:"candidates"`
	Errors     []string             `json:"errors,omitempty"`
}

// ConfidenceResult is the output of a confidence function for one candidate
type ConfidenceResult struct {
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
}

// ValidatedTechnique is a candidate confirmed against the technique registry
type ValidatedTechnique struct {
	TechniqueID string             `json:"technique_id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Tactics     []string           `json:"tactics,omitempty"`
	Technique   *Technique         `json:"-"`
	Candidate   TechniqueCandidate `json:"-"`
}

// ScoredTechnique is a validated technique with an attached confidence
type ScoredTechnique struct {
	ValidatedTechnique
	Confidence float64 `json:"confidence"`
}

// TechniqueCoverage is the coverage of one technique by one detection
type TechniqueCoverage struct {
	TechniqueID   string      `json:"technique_id"`
	Name          string      `json:"name"`
	CoverageScore float64     `json:"coverage_score"`
	IsCritical    bool        `json:"is_critical"`
	Confidence    float64     `json:"confidence,omitempty"`
	QualityScore  float64     `json:"quality_score,omitempty"`
	MappingType   MappingType `json:"mapping_type,omitempty"`
}

// DetectionCoverageResult is the derived coverage of a single detection
type DetectionCoverageResult struct {
	DetectionID      uuid.UUID           `json:"detection_id"`
	LibraryID        uuid.UUID           `json:"library_id,omitempty"`
	CoverageScore    float64             `json:"coverage_score"`
	MappedTechniques []TechniqueCoverage `json:"mapped_techniques"`
	ValidationErrors []string            `json:"validation_errors"`
	// Partial is set when candidate generation or technique resolution failed for a
	// reason that may clear on retry
	Partial    bool      `json:"partial,omitempty"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// LibraryTechniqueCoverage is the merged coverage of one technique across a library
type LibraryTechniqueCoverage struct {
	TechniqueID    string  `json:"technique_id"`
	Name           string  `json:"name"`
	CoverageScore  float64 `json:"coverage_score"`
	DetectionCount int     `json:"detection_count"`
}

// RecommendationPriority orders recommendations
type RecommendationPriority string

const (
	PriorityHigh   RecommendationPriority = "high"
	PriorityMedium RecommendationPriority = "medium"
	PriorityLow    RecommendationPriority = "low"
)

// Rank returns a sortable rank, higher is more urgent
func (p RecommendationPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Recommendation is an actionable suggestion derived from library coverage
type Recommendation struct {
	Priority        RecommendationPriority `json:"priority"`
	TechniqueID     string                 `json:"technique_id"`
	Name            string                 `json:"name"`
	CurrentCoverage float64                `json:"current_coverage"`
	Recommendation  string                 `json:"recommendation"`
}

// LibraryCoverageResult is the aggregated coverage of a detection library
type LibraryCoverageResult struct {
	LibraryID          uuid.UUID                           `json:"library_id"`
	OverallCoverage    float64                             `json:"overall_coverage"`
	TechniqueCoverage  map[string]LibraryTechniqueCoverage `json:"technique_coverage"`
	CriticalGaps       []string                            `json:"critical_gaps"`
	Recommendations    []Recommendation                    `json:"recommendations"`
	TotalDetections    int                                 `json:"total_detections"`
	AnalyzedDetections int                                 `json:"analyzed_detections"`
	FailedDetections   int                                 `json:"failed_detections"`
	FailedDetectionIDs []uuid.UUID                         `json:"failed_detection_ids,omitempty"`
	Partial            bool                                `json:"partial,omitempty"`
	AnalyzedAt         time.Time                           `json:"analyzed_at"`
}

// IsCriticalGap reports whether techniqueID is listed as a critical gap
func (r *LibraryCoverageResult) IsCriticalGap(techniqueID string) bool {
	for _, id := range r.CriticalGaps {
		if id == techniqueID {
			return true
		}
	}
	return false
}
