package coverage

import (
	"fmt"
	"math"
	"sort"

	"ruleforge-lab/internal/domain/models"
)

// BuildNavigatorLayer renders library coverage as an ATT&CK Navigator layer.
// Scores are coverage percentages; critical gaps are annotated.
func BuildNavigatorLayer(name string, result *models.LibraryCoverageResult) *models.NavigatorLayer {
	ids := make([]string, 0, len(result.TechniqueCoverage))
	for id := range result.TechniqueCoverage {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	techniques := make([]models.NavigatorTechniqueScore, 0, len(ids))
	for _, id := range ids {
		tc := result.TechniqueCoverage[id]
		score := int(math.Round(tc.CoverageScore * 100))

		comment := fmt.Sprintf("Coverage %d%% across %d detection(s)", score, tc.DetectionCount)
		if result.IsCriticalGap(id) {
			comment = "Critical gap. " + comment
		}

		techniques = append(techniques, models.NavigatorTechniqueScore{
			TechniqueID: id,
			Score:       score,
			Color:       scoreColor(score),
			Comment:     comment,
			Enabled:     true,
			Metadata: []models.NavigatorMetadata{
				{Name: "name", Value: tc.Name},
				{Name: "detections", Value: fmt.Sprintf("%d", tc.DetectionCount)},
			},
		})
	}

	if name == "" {
		name = fmt.Sprintf("Coverage %s", result.LibraryID)
	}

	return &models.NavigatorLayer{
		Name: name,
		Versions: models.NavigatorVersions{
			Navigator: "4.9.1",
			Layer:     "4.5",
		},
		Domain: "enterprise-attack",
		Description: fmt.Sprintf("Overall coverage %.0f%%, %d critical gap(s), %d of %d detections analyzed",
			result.OverallCoverage*100, len(result.CriticalGaps), result.AnalyzedDetections, result.TotalDetections),
		Filters: models.NavigatorFilters{
			Platforms: []string{"Windows", "Linux", "macOS", "Network", "Containers", "IaaS", "SaaS"},
		},
		Sorting:    3,
		Techniques: techniques,
		Gradient: models.NavigatorGradient{
			Colors:   []string{"#ff6666", "#ffe766", "#8ec843"},
			MinValue: 0,
			MaxValue: 100,
		},
		LegendItems: []models.NavigatorLegendItem{
			{Label: "Critical gap", Color: "#ff6666"},
			{Label: "Partial", Color: "#ffcc00"},
			{Label: "Covered", Color: "#66cc66"},
		},
		Layout: models.NavigatorLayout{
			Layout:                "side",
			ShowID:                true,
			ShowName:              true,
			ShowAggregateScores:   true,
			AggregateFunction:     "max",
			ExpandedSubtechniques: "annotated",
		},
		ShowTacticRowBackground:       true,
		TacticRowBackground:           "#dddddd",
		SelectTechniquesAcrossTactics: true,
		SelectSubtechniquesWithParent: false,
	}
}

// scoreColor maps a coverage percentage to a cell color, red for gaps
func scoreColor(score int) string {
	switch {
	case score >= 80:
		return "#66cc66"
	case score >= 60:
		return "#99cc00"
	case score >= 40:
		return "#ffcc00"
	case score >= 20:
		return "#ff9933"
	default:
		return "#ff6666"
	}
}
