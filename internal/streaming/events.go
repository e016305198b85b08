package streaming

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleforge-lab/internal/domain/models"
)

// EventType represents the type of coverage event
type EventType string

const (
	EventTypeDetectionAnalyzed EventType = "detection_analyzed"
	EventTypeLibraryAnalyzed   EventType = "library_analyzed"
	EventTypeCriticalGap       EventType = "critical_gap_detected"
)

// CoverageEvent represents a real-time coverage update
type CoverageEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Origin identifies the publishing process so it can skip its own events echoed back by NATS
	Origin string `json:"origin,omitempty"`

	LibraryID   string `json:"library_id,omitempty"`
	DetectionID string `json:"detection_id,omitempty"`

	// Detection analysis
	CoverageScore    float64  `json:"coverage_score,omitempty"`
	TechniqueIDs     []string `json:"technique_ids,omitempty"`
	ValidationErrors int      `json:"validation_errors,omitempty"`

	// Library analysis
	OverallCoverage    float64  `json:"overall_coverage,omitempty"`
	CriticalGaps       []string `json:"critical_gaps,omitempty"`
	AnalyzedDetections int      `json:"analyzed_detections,omitempty"`
	FailedDetections   int      `json:"failed_detections,omitempty"`

	// Critical gap
	TechniqueID   string                        `json:"technique_id,omitempty"`
	TechniqueName string                        `json:"technique_name,omitempty"`
	Priority      models.RecommendationPriority `json:"priority,omitempty"`
	Message       string                        `json:"message,omitempty"`
}

func newEvent(t EventType) *CoverageEvent {
	return &CoverageEvent{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// NewDetectionEvent creates an event for a completed detection analysis
func NewDetectionEvent(detection *models.Detection, result *models.DetectionCoverageResult) *CoverageEvent {
	event := newEvent(EventTypeDetectionAnalyzed)
	event.LibraryID = detection.LibraryID.String()
	event.DetectionID = detection.ID.String()
	event.CoverageScore = result.CoverageScore
	event.ValidationErrors = len(result.ValidationErrors)
	for _, t := range result.MappedTechniques {
		event.TechniqueIDs = append(event.TechniqueIDs, t.TechniqueID)
	}
	return event
}

// NewLibraryEvent creates an event for a completed library analysis
func NewLibraryEvent(result *models.LibraryCoverageResult) *CoverageEvent {
	event := newEvent(EventTypeLibraryAnalyzed)
	event.LibraryID = result.LibraryID.String()
	event.OverallCoverage = result.OverallCoverage
	event.CriticalGaps = result.CriticalGaps
	event.AnalyzedDetections = result.AnalyzedDetections
	event.FailedDetections = result.FailedDetections
	return event
}

// NewCriticalGapEvents creates one event per critical gap of a library result
func NewCriticalGapEvents(result *models.LibraryCoverageResult) []*CoverageEvent {
	var events []*CoverageEvent
	for _, id := range result.CriticalGaps {
		cov := result.TechniqueCoverage[id]
		event := newEvent(EventTypeCriticalGap)
		event.LibraryID = result.LibraryID.String()
		event.TechniqueID = id
		event.TechniqueName = cov.Name
		event.CoverageScore = cov.CoverageScore
		event.Priority = models.PriorityHigh
		event.Message = fmt.Sprintf("%s (%s) is covered at %.0f%%", id, cov.Name, cov.CoverageScore*100)
		events = append(events, event)
	}
	return events
}

// Subscription represents a client's subscription preferences
type Subscription struct {
	// Filter by library (empty = all)
	LibraryIDs []string `json:"library_ids,omitempty"`

	// Filter by event types (empty = all)
	Types []EventType `json:"types,omitempty"`

	// Only deliver critical gap events at or above this priority
	MinPriority models.RecommendationPriority `json:"min_priority,omitempty"`
}

// Matches checks if an event matches the subscription filters
func (s *Subscription) Matches(event *CoverageEvent) bool {
	if s == nil {
		return true
	}

	if len(s.LibraryIDs) > 0 && !contains(s.LibraryIDs, event.LibraryID) {
		return false
	}

	if len(s.Types) > 0 {
		found := false
		for _, t := range s.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.MinPriority != "" && event.Type == EventTypeCriticalGap {
		if event.Priority.Rank() < s.MinPriority.Rank() {
			return false
		}
	}

	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
