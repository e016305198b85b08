package coverage

import (
	"fmt"

	"github.com/google/uuid"

	"ruleforge-lab/internal/domain/models"
)

// Thresholds configure library aggregation
type Thresholds struct {
	MinCoverageScore float64
}

// Aggregate folds per-detection results into library coverage. It is a pure function of
// its inputs: technique scores merge by maximum, techniques below MinCoverageScore are
// critical gaps, and recommendations list every gap (high) before every single-detection
// technique (medium), each in first-merge order. Timestamps and detection counters other
// than AnalyzedDetections are left to the caller.
func Aggregate(libraryID uuid.UUID, results []*models.DetectionCoverageResult, th Thresholds) *models.LibraryCoverageResult {
	out := &models.LibraryCoverageResult{
		LibraryID:         libraryID,
		TechniqueCoverage: make(map[string]models.LibraryTechniqueCoverage),
		CriticalGaps:      []string{},
		Recommendations:   []models.Recommendation{},
	}

	var order []string
	for _, r := range results {
		if r == nil {
			continue
		}
		out.AnalyzedDetections++

		counted := make(map[string]struct{}, len(r.MappedTechniques))
		for _, tc := range r.MappedTechniques {
			score := clamp01(tc.CoverageScore)
			merged, ok := out.TechniqueCoverage[tc.TechniqueID]
			if !ok {
				order = append(order, tc.TechniqueID)
				merged = models.LibraryTechniqueCoverage{
					TechniqueID:   tc.TechniqueID,
					Name:          tc.Name,
					CoverageScore: score,
				}
			} else if score > merged.CoverageScore {
				merged.CoverageScore = score
			}
			if _, dup := counted[tc.TechniqueID]; !dup {
				counted[tc.TechniqueID] = struct{}{}
				merged.DetectionCount++
			}
			out.TechniqueCoverage[tc.TechniqueID] = merged
		}
	}

	if len(order) == 0 {
		return out
	}

	scores := make([]float64, 0, len(order))
	var medium []models.Recommendation
	for _, id := range order {
		tc := out.TechniqueCoverage[id]
		scores = append(scores, tc.CoverageScore)

		if tc.CoverageScore < th.MinCoverageScore {
			out.CriticalGaps = append(out.CriticalGaps, id)
			out.Recommendations = append(out.Recommendations, models.Recommendation{
				Priority:        models.PriorityHigh,
				TechniqueID:     id,
				Name:            tc.Name,
				CurrentCoverage: tc.CoverageScore,
				Recommendation: fmt.Sprintf(
					"Critical coverage gap detected for %s (%s): best coverage %.2f is below the %.2f minimum. Improve the existing rule or add a dedicated detection.",
					id, tc.Name, tc.CoverageScore, th.MinCoverageScore),
			})
			continue
		}

		if tc.DetectionCount == 1 {
			medium = append(medium, models.Recommendation{
				Priority:        models.PriorityMedium,
				TechniqueID:     id,
				Name:            tc.Name,
				CurrentCoverage: tc.CoverageScore,
				Recommendation: fmt.Sprintf(
					"%s (%s) is covered by a single detection. Add redundant coverage so one broken rule does not leave it blind.",
					id, tc.Name),
			})
		}
	}

	out.Recommendations = append(out.Recommendations, medium...)
	out.OverallCoverage = mean(scores)
	return out
}
