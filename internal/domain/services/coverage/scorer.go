package coverage

import (
	"context"
	"sort"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

// Scorer attaches confidence to validated candidates and computes coverage scores
type Scorer struct {
	confidence ConfidenceFunc
	cfg        config.CoverageConfig
	critical   map[string]struct{}
	logger     *logger.Logger
}

// NewScorer creates a scorer using fn for per-candidate confidence
func NewScorer(cfg config.CoverageConfig, fn ConfidenceFunc, log *logger.Logger) *Scorer {
	critical := make(map[string]struct{}, len(cfg.CriticalTechniques))
	for _, id := range cfg.CriticalTechniques {
		critical[id] = struct{}{}
	}
	return &Scorer{
		confidence: fn,
		cfg:        cfg,
		critical:   critical,
		logger:     log.WithComponent("coverage-scorer"),
	}
}

// ScoreCandidates scores each candidate against content, keeps the successful ones at or
// above the confidence threshold, orders them by descending confidence (stable for ties)
// and truncates to the per-detection maximum.
func (s *Scorer) ScoreCandidates(ctx context.Context, candidates []models.ValidatedTechnique, content string) []models.ScoredTechnique {
	results := make([]*models.ConfidenceResult, len(candidates))

	fanOut(ctx, len(candidates), s.cfg.MaxConcurrency, func(i int) {
		res, err := s.confidence.Score(ctx, content, candidates[i].Candidate)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("technique_id", candidates[i].TechniqueID).
				Msg("confidence scoring failed")
			return
		}
		results[i] = res
	})

	scored := make([]models.ScoredTechnique, 0, len(candidates))
	for i, res := range results {
		if res == nil || !res.Success {
			continue
		}
		conf := clamp01(res.Confidence)
		if conf < s.cfg.MinConfidenceThreshold {
			s.logger.Debug().
				Str("technique_id", candidates[i].TechniqueID).
				Float64("confidence", conf).
				Msg("candidate below confidence threshold")
			continue
		}
		scored = append(scored, models.ScoredTechnique{
			ValidatedTechnique: candidates[i],
			Confidence:         conf,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Confidence > scored[j].Confidence
	})

	if limit := s.cfg.MaxTechniquesPerDetection; limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// IsCritical reports whether technique carries the critical weight, either from its
// own criticality or from the configured critical list (parent ids cover sub-techniques)
func (s *Scorer) IsCritical(technique *models.Technique) bool {
	if technique == nil {
		return false
	}
	if technique.IsCritical() {
		return true
	}
	if _, ok := s.critical[technique.ID]; ok {
		return true
	}
	_, ok := s.critical[models.ParentTechniqueID(technique.ID)]
	return ok
}

// CalculateTechniqueCoverage scores one detection-technique pair: the mapping quality,
// multiplied by the critical weight for critical techniques, clamped to [0,1].
func (s *Scorer) CalculateTechniqueCoverage(logic string, technique *models.Technique, mapping models.TechniqueMapping) float64 {
	score := mapping.QualityScore
	if s.IsCritical(technique) {
		score *= s.cfg.CriticalWeight
	}
	return clamp01(score)
}

// CalculateOverallCoverage is the mean technique coverage of one detection, 0 when empty
func (s *Scorer) CalculateOverallCoverage(techniques []models.TechniqueCoverage) float64 {
	scores := make([]float64, len(techniques))
	for i, t := range techniques {
		scores[i] = t.CoverageScore
	}
	return mean(scores)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0: // NaN
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
