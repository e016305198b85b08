package coverage

import (
	"context"
	"strings"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

// Validator filters AI-proposed candidates down to registry-confirmed techniques
type Validator struct {
	registry    TechniqueResolver
	concurrency int
	logger      *logger.Logger
}

// NewValidator creates a candidate validator resolving through registry
func NewValidator(registry TechniqueResolver, concurrency int, log *logger.Logger) *Validator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Validator{
		registry:    registry,
		concurrency: concurrency,
		logger:      log.WithComponent("coverage-validator"),
	}
}

// ValidationReport is the outcome of validating one candidate set
type ValidationReport struct {
	Validated []models.ValidatedTechnique
	Messages  []string
	// Transient is set when at least one candidate failed for a reason that may clear
	// on a later attempt, such as a source outage or an open circuit
	Transient bool
}

// Validate resolves every candidate against the registry. Candidates without a
// technique id are dropped silently; candidates that fail resolution are dropped with
// a warning and a message in the returned slice. Output order follows input order.
func (v *Validator) Validate(ctx context.Context, candidates []models.TechniqueCandidate) ([]models.ValidatedTechnique, []string) {
	report := v.Report(ctx, candidates)
	return report.Validated, report.Messages
}

// Report validates like Validate and also classifies the failures. Ids are passed to
// the registry exactly as proposed, so malformed ids are rejected before any fetch.
func (v *Validator) Report(ctx context.Context, candidates []models.TechniqueCandidate) ValidationReport {
	type slot struct {
		candidate models.TechniqueCandidate
		technique *models.Technique
		err       error
	}

	slots := make([]slot, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.TechniqueID) == "" {
			continue
		}
		if _, ok := seen[c.TechniqueID]; ok {
			continue
		}
		seen[c.TechniqueID] = struct{}{}
		slots = append(slots, slot{candidate: c})
	}

	fanOut(ctx, len(slots), v.concurrency, func(i int) {
		slots[i].technique, slots[i].err = v.registry.GetTechnique(ctx, slots[i].candidate.TechniqueID)
	})

	report := ValidationReport{Validated: make([]models.ValidatedTechnique, 0, len(slots))}
	for _, s := range slots {
		if s.technique == nil {
			err := s.err
			if err == nil {
				err = &TechniqueError{ID: s.candidate.TechniqueID, Err: ctx.Err()}
			}
			v.logger.Warn().
				Err(err).
				Str("technique_id", s.candidate.TechniqueID).
				Msg("dropping technique candidate")
			report.Messages = append(report.Messages, err.Error())
			if IsTransient(err) {
				report.Transient = true
			}
			continue
		}

		report.Validated = append(report.Validated, models.ValidatedTechnique{
			TechniqueID: s.technique.ID,
			Name:        s.technique.Name,
			Description: s.technique.Description,
			Tactics:     s.technique.TacticRefs,
			Technique:   s.technique,
			Candidate:   s.candidate,
		})
	}

	return report
}
