package models

// NavigatorLayer is an ATT&CK Navigator layer document
type NavigatorLayer struct {
	Name                          string                    `json:"name"`
	Versions                      NavigatorVersions         `json:"versions"`
	Domain                        string                    `json:"domain"`
	Description                   string                    `json:"description"`
	Filters                       NavigatorFilters          `json:"filters"`
	Sorting                       int                       `json:"sorting"`
	Layout                        NavigatorLayout           `json:"layout"`
	HideDisabled                  bool                      `json:"hideDisabled"`
	Techniques                    []NavigatorTechniqueScore `json:"techniques"`
	Gradient                      NavigatorGradient         `json:"gradient"`
	LegendItems                   []NavigatorLegendItem     `json:"legendItems,omitempty"`
	Metadata                      []NavigatorMetadata       `json:"metadata,omitempty"`
	ShowTacticRowBackground       bool                      `json:"showTacticRowBackground"`
	TacticRowBackground           string                    `json:"tacticRowBackground"`
	SelectTechniquesAcrossTactics bool                      `json:"selectTechniquesAcrossTactics"`
	SelectSubtechniquesWithParent bool                      `json:"selectSubtechniquesWithParent"`
}

// NavigatorVersions pins the ATT&CK, Navigator and layer format versions
type NavigatorVersions struct {
	Attack    string `json:"attack,omitempty"`
	Navigator string `json:"navigator"`
	Layer     string `json:"layer"`
}

type NavigatorFilters struct {
	Platforms []string `json:"platforms"`
}

type NavigatorLayout struct {
	Layout                string `json:"layout"`
	ShowID                bool   `json:"showID"`
	ShowName              bool   `json:"showName"`
	ShowAggregateScores   bool   `json:"showAggregateScores"`
	CountUnscored         bool   `json:"countUnscored"`
	AggregateFunction     string `json:"aggregateFunction"`
	ExpandedSubtechniques string `json:"expandedSubtechniques"`
}

// NavigatorTechniqueScore is one scored cell in a Navigator layer
type NavigatorTechniqueScore struct {
	TechniqueID       string              `json:"techniqueID"`
	Tactic            string              `json:"tactic,omitempty"`
	Score             int                 `json:"score"`
	Color             string              `json:"color,omitempty"`
	Comment           string              `json:"comment,omitempty"`
	Enabled           bool                `json:"enabled"`
	Metadata          []NavigatorMetadata `json:"metadata,omitempty"`
	ShowSubtechniques bool                `json:"showSubtechniques,omitempty"`
}

type NavigatorMetadata struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type NavigatorGradient struct {
	Colors   []string `json:"colors"`
	MinValue int      `json:"minValue"`
	MaxValue int      `json:"maxValue"`
}

type NavigatorLegendItem struct {
	Label string `json:"label"`
	Color string `json:"color"`
}
