package models

import (
	"regexp"
	"strings"
)

// TechniqueIDPattern matches ATT&CK technique and sub-technique ids (T1055, T1055.012)
var TechniqueIDPattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// ValidTechniqueID reports whether id is a well-formed technique id
func ValidTechniqueID(id string) bool {
	return TechniqueIDPattern.MatchString(id)
}

// ParentTechniqueID returns the parent id of a sub-technique, or id itself
func ParentTechniqueID(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return id
}

// Criticality represents how important a technique is to detect
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// Relationship kinds between techniques
const (
	RelationshipSubtechniqueOf = "subtechnique-of"
	RelationshipParentOf       = "parent-of"
	RelationshipRelatedTo      = "related-to"
)

// TechniqueRef is a reference from one technique to another
type TechniqueRef struct {
	ID           string `json:"id" yaml:"id"`
	Relationship string `json:"relationship" yaml:"relationship"`
}

// Technique represents a validated MITRE ATT&CK technique or sub-technique.
// Values are immutable for a given registry cache version.
type Technique struct {
	ID             string                  `json:"id" db:"id"` // e.g., T1055 or T1055.012
	Name           string                  `json:"name" db:"name"`
	Description    string                  `json:"description,omitempty" db:"description"`
	TacticRefs     []string                `json:"tactic_refs,omitempty" db:"-"`
	IsSubtechnique bool                    `json:"is_subtechnique" db:"is_subtechnique"`
	ParentID       string                  `json:"parent_id,omitempty" db:"parent_id"`
	Deprecated     bool                    `json:"deprecated" db:"deprecated"`
	Version        string                  `json:"version,omitempty" db:"version"`
	Criticality    Criticality             `json:"criticality,omitempty" db:"criticality"`
	Platforms      []string                `json:"platforms,omitempty" db:"-"`
	URL            string                  `json:"url,omitempty" db:"url"`
	Relationships  map[string]TechniqueRef `json:"relationships,omitempty" db:"-"`
}

// IsCritical reports whether the technique carries the critical coverage weight
func (t *Technique) IsCritical() bool {
	return t.Criticality == CriticalityCritical || t.Criticality == CriticalityHigh
}

// RawTechnique is the technique payload returned by a taxonomy source before validation
type RawTechnique struct {
	ID             string                  `json:"id" yaml:"id" validate:"required,technique_id"`
	Name           string                  `json:"name" yaml:"name" validate:"required"`
	Description    string                  `json:"description,omitempty" yaml:"description"`
	Tactics        []string                `json:"tactics,omitempty" yaml:"tactics"`
	TacticRefs     []string                `json:"tactic_refs,omitempty" yaml:"tactic_refs"`
	IsSubtechnique bool                    `json:"is_subtechnique,omitempty" yaml:"is_subtechnique"`
	Deprecated     bool                    `json:"deprecated,omitempty" yaml:"deprecated"`
	Revoked        bool                    `json:"revoked,omitempty" yaml:"revoked"`
	Version        string                  `json:"version,omitempty" yaml:"version"`
	Criticality    Criticality             `json:"criticality,omitempty" yaml:"criticality" validate:"omitempty,oneof=critical high medium low"`
	Platforms      []string                `json:"platforms,omitempty" yaml:"platforms"`
	URL            string                  `json:"url,omitempty" yaml:"url"`
	Relationships  map[string]TechniqueRef `json:"relationships,omitempty" yaml:"relationships"`
}

// ToTechnique converts a validated raw payload into a Technique
func (r *RawTechnique) ToTechnique() *Technique {
	tactics := r.TacticRefs
	if len(tactics) == 0 {
		tactics = r.Tactics
	}

	t := &Technique{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		TacticRefs:     dedupeStrings(tactics),
		IsSubtechnique: r.IsSubtechnique || strings.Contains(r.ID, "."),
		Deprecated:     r.Deprecated || r.Revoked,
		Version:        r.Version,
		Criticality:    r.Criticality,
		Platforms:      r.Platforms,
		URL:            r.URL,
		Relationships:  r.Relationships,
	}
	if t.IsSubtechnique {
		t.ParentID = ParentTechniqueID(r.ID)
	}
	if t.Criticality == "" {
		t.Criticality = CriticalityMedium
	}
	return t
}

// TechniqueGraphNode is one technique visited during graph validation
type TechniqueGraphNode struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Depth      int    `json:"depth"`
	Via        string `json:"via,omitempty"` // relationship or "sibling"
	Valid      bool   `json:"valid"`
	Deprecated bool   `json:"deprecated,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TechniqueGraphReport is the structured result of validating a technique's neighbourhood
type TechniqueGraphReport struct {
	RootID       string               `json:"root_id"`
	Depth        int                  `json:"depth"`
	Valid        bool                 `json:"valid"`
	Nodes        []TechniqueGraphNode `json:"nodes"`
	InvalidCount int                  `json:"invalid_count"`
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
