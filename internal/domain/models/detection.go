package models

import (
	"time"

	"github.com/google/uuid"
)

// Platform is the query language a detection rule is written in
type Platform string

const (
	PlatformSigma Platform = "sigma"
	PlatformKQL   Platform = "kql"
	PlatformSPL   Platform = "spl"
	PlatformYARAL Platform = "yara-l"
)

// SupportedPlatforms lists every platform coverage analysis accepts
var SupportedPlatforms = []Platform{PlatformSigma, PlatformKQL, PlatformSPL, PlatformYARAL}

// IsValid reports whether the platform is supported
func (p Platform) IsValid() bool {
	for _, s := range SupportedPlatforms {
		if p == s {
			return true
		}
	}
	return false
}

// DetectionStatus is the lifecycle state of a detection
type DetectionStatus string

const (
	DetectionStatusDraft     DetectionStatus = "draft"
	DetectionStatusPublished DetectionStatus = "published"
	DetectionStatusArchived  DetectionStatus = "archived"
)

// MappingType records who produced a technique mapping
type MappingType string

const (
	MappingTypeAIGenerated MappingType = "ai_generated"
	MappingTypeManual      MappingType = "manual"
)

// TechniqueMapping is an edge from a detection to a technique.
// A detection holds at most one mapping per technique id.
type TechniqueMapping struct {
	TechniqueID  string      `json:"technique_id" db:"technique_id"`
	QualityScore float64     `json:"quality_score" db:"quality_score"` // 0.0 - 1.0
	MappingType  MappingType `json:"mapping_type" db:"mapping_type"`
	Confidence   float64     `json:"confidence" db:"confidence"` // 0.0 - 1.0
	UpdatedAt    time.Time   `json:"updated_at,omitempty" db:"updated_at"`
}

// Detection represents a detection rule owned by a library
type Detection struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	LibraryID   uuid.UUID          `json:"library_id" db:"library_id"`
	Title       string             `json:"title" db:"title"`
	Description string             `json:"description,omitempty" db:"description"`
	Platform    Platform           `json:"platform" db:"platform"`
	RuleLogic   string             `json:"rule_logic" db:"rule_logic"`
	Tags        []string           `json:"tags,omitempty" db:"tags"`
	Status      DetectionStatus    `json:"status" db:"status"`
	Mappings    []TechniqueMapping `json:"mappings,omitempty" db:"-"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}

// Content returns the text handed to candidate generation and confidence scoring
func (d *Detection) Content() string {
	content := d.Title
	if d.Description != "" {
		content += "\n" + d.Description
	}
	for _, tag := range d.Tags {
		content += "\n" + tag
	}
	return content + "\n" + d.RuleLogic
}

// ManualMappings returns the analyst-authored mappings of the detection
func (d *Detection) ManualMappings() []TechniqueMapping {
	var out []TechniqueMapping
	for _, m := range d.Mappings {
		if m.MappingType == MappingTypeManual {
			out = append(out, m)
		}
	}
	return out
}
