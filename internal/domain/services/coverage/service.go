package coverage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

// Dependencies holds the collaborators of the coverage service
type Dependencies struct {
	Registry  TechniqueResolver
	Validator *Validator
	Scorer    *Scorer
	Generator CandidateGenerator
	Store     DetectionStore
	Cache     Cache
	Sinks     []ResultSink
}

// AnalyzeOptions control a single detection analysis
type AnalyzeOptions struct {
	ForceRefresh bool
}

// LibraryOptions control a library analysis
type LibraryOptions struct {
	ForceRefresh bool
	// Platform restricts the analysis to detections written for one platform
	Platform models.Platform
	// FailFast aborts on the first detection failure instead of excluding it
	FailFast bool
}

// Service orchestrates detection and library coverage analysis
type Service struct {
	deps         Dependencies
	cfg          config.CoverageConfig
	cacheVersion string
	logger       *logger.Logger
}

// NewService creates a coverage service
func NewService(cfg config.CoverageConfig, cacheVersion string, deps Dependencies, log *logger.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cacheVersion == "" {
		cacheVersion = "v1"
	}
	return &Service{
		deps:         deps,
		cfg:          cfg,
		cacheVersion: cacheVersion,
		logger:       log.WithComponent("coverage-service"),
	}
}

// AnalyzeDetection computes the coverage of one detection
func (s *Service) AnalyzeDetection(ctx context.Context, detectionID uuid.UUID, opts AnalyzeOptions) (*models.DetectionCoverageResult, error) {
	det, err := s.deps.Store.GetDetection(ctx, detectionID)
	if err != nil && !errors.Is(err, ErrDetectionNotFound) {
		return nil, fmt.Errorf("failed to load detection %s: %w", detectionID, err)
	}
	if det == nil || errors.Is(err, ErrDetectionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, detectionID)
	}

	return s.analyze(ctx, det, opts)
}

// AnalyzeLibrary computes the coverage of every published detection in a library.
// With the default tolerant policy a failed detection is logged, counted and left out of
// the aggregate; with FailFast the first failure aborts the call. Cancellation returns
// ctx.Err() and no partial result.
func (s *Service) AnalyzeLibrary(ctx context.Context, libraryID uuid.UUID, opts LibraryOptions) (*models.LibraryCoverageResult, error) {
	if opts.Platform != "" && !opts.Platform.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, opts.Platform)
	}
	failFast := opts.FailFast || s.cfg.FailFast
	log := s.logger.WithLibraryID(libraryID.String())

	detections, err := s.listPublished(ctx, libraryID, opts.Platform)
	if err != nil {
		return nil, err
	}

	key := s.libraryKey(libraryID, opts.Platform, detections)
	if !opts.ForceRefresh {
		var cached models.LibraryCoverageResult
		if s.readCache(ctx, key, &cached) {
			log.Debug().Msg("serving library coverage from cache")
			return &cached, nil
		}
	}

	start := time.Now()
	var (
		results   []*models.DetectionCoverageResult
		failedIDs []uuid.UUID
		partial   bool
	)

	for offset := 0; offset < len(detections); offset += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := detections[offset:min(offset+s.cfg.BatchSize, len(detections))]
		batchResults, batchErrs, err := s.analyzeBatch(ctx, batch, opts.ForceRefresh, failFast)
		if err != nil {
			return nil, err
		}

		for i, det := range batch {
			if batchErrs[i] != nil {
				log.Warn().
					Err(batchErrs[i]).
					Str("detection_id", det.ID.String()).
					Msg("detection analysis failed, excluding from library coverage")
				failedIDs = append(failedIDs, det.ID)
				continue
			}
			partial = partial || batchResults[i].Partial
			results = append(results, batchResults[i])
		}
	}

	result := Aggregate(libraryID, results, Thresholds{MinCoverageScore: s.cfg.MinCoverageScore})
	result.TotalDetections = len(detections)
	result.FailedDetections = len(failedIDs)
	result.FailedDetectionIDs = failedIDs
	result.Partial = partial
	result.AnalyzedAt = time.Now().UTC()

	log.Info().
		Int("total", result.TotalDetections).
		Int("analyzed", result.AnalyzedDetections).
		Int("failed", result.FailedDetections).
		Int("techniques", len(result.TechniqueCoverage)).
		Int("critical_gaps", len(result.CriticalGaps)).
		Float64("overall_coverage", result.OverallCoverage).
		Bool("partial", partial).
		Dur("duration", time.Since(start)).
		Msg("library coverage analyzed")

	if !partial {
		s.writeCache(ctx, key, result)
	}
	for _, sink := range s.deps.Sinks {
		if err := sink.LibraryAnalyzed(ctx, result); err != nil {
			log.Warn().Err(err).Msg("result sink failed")
		}
	}

	return result, nil
}

// listPublished pages through the published detections of a library until an empty page
func (s *Service) listPublished(ctx context.Context, libraryID uuid.UUID, platform models.Platform) ([]*models.Detection, error) {
	var detections []*models.Detection
	for offset := 0; ; offset += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := s.deps.Store.ListPublishedDetections(ctx, libraryID, offset, s.cfg.BatchSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to list detections for library %s: %w", libraryID, err)
		}
		if len(page) == 0 {
			return detections, nil
		}
		detections = append(detections, filterPlatform(page, platform)...)
	}
}

// analyzeBatch analyzes detections concurrently and returns positional results and errors.
// A non-nil error aborts the library analysis.
func (s *Service) analyzeBatch(ctx context.Context, batch []*models.Detection, forceRefresh, failFast bool) ([]*models.DetectionCoverageResult, []error, error) {
	results := make([]*models.DetectionCoverageResult, len(batch))
	errs := make([]error, len(batch))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)

	fanOut(runCtx, len(batch), s.cfg.MaxConcurrency, func(i int) {
		res, err := s.analyze(runCtx, batch[i], AnalyzeOptions{ForceRefresh: forceRefresh})
		if err != nil {
			errs[i] = err
			if failFast && ctx.Err() == nil {
				once.Do(func() {
					firstErr = fmt.Errorf("failed to analyze detection %s: %w", batch[i].ID, err)
					cancel()
				})
			}
			return
		}
		results[i] = res
	})

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	for i := range batch {
		if results[i] == nil && errs[i] == nil {
			errs[i] = context.Canceled
		}
	}
	return results, errs, nil
}

// analyze runs the detection pipeline: candidates, validation, scoring, manual mapping
// merge and per-technique coverage
func (s *Service) analyze(ctx context.Context, det *models.Detection, opts AnalyzeOptions) (*models.DetectionCoverageResult, error) {
	if !det.Platform.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, det.Platform)
	}
	log := s.logger.WithDetectionID(det.ID.String())

	key := s.detectionKey(det)
	if !opts.ForceRefresh {
		var cached models.DetectionCoverageResult
		if s.readCache(ctx, key, &cached) {
			return &cached, nil
		}
	}

	result := &models.DetectionCoverageResult{
		DetectionID:      det.ID,
		LibraryID:        det.LibraryID,
		MappedTechniques: []models.TechniqueCoverage{},
		ValidationErrors: []string{},
	}

	content := det.Content()

	var (
		candidates []models.TechniqueCandidate
		aiFailed   bool
	)
	proposal, err := s.deps.Generator.ProposeTechniques(ctx, content)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	switch {
	case err != nil:
		aiFailed = true
		log.Warn().Err(err).Msg("technique candidate generation failed")
		result.ValidationErrors = append(result.ValidationErrors, fmt.Sprintf("%v: %v", ErrAIProcessing, err))
	case proposal == nil || !proposal.Success:
		aiFailed = true
		msg := ErrAIProcessing.Error()
		if proposal != nil && len(proposal.Errors) > 0 {
			msg += ": " + strings.Join(proposal.Errors, "; ")
		}
		result.ValidationErrors = append(result.ValidationErrors, msg)
	default:
		candidates = proposal.Candidates
		result.ValidationErrors = append(result.ValidationErrors, proposal.Errors...)
	}

	report := s.deps.Validator.Report(ctx, candidates)
	result.ValidationErrors = append(result.ValidationErrors, report.Messages...)

	scored := s.deps.Scorer.ScoreCandidates(ctx, report.Validated, content)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged, transient := s.mergeMappings(ctx, det, scored, result)
	result.Partial = aiFailed || report.Transient || transient

	for _, m := range merged {
		result.MappedTechniques = append(result.MappedTechniques, models.TechniqueCoverage{
			TechniqueID:   m.technique.ID,
			Name:          m.technique.Name,
			CoverageScore: s.deps.Scorer.CalculateTechniqueCoverage(det.RuleLogic, m.technique, m.mapping),
			IsCritical:    s.deps.Scorer.IsCritical(m.technique),
			Confidence:    m.mapping.Confidence,
			QualityScore:  m.mapping.QualityScore,
			MappingType:   m.mapping.MappingType,
		})
	}

	result.CoverageScore = s.deps.Scorer.CalculateOverallCoverage(result.MappedTechniques)
	result.AnalyzedAt = time.Now().UTC()

	log.Debug().
		Int("techniques", len(result.MappedTechniques)).
		Int("validation_errors", len(result.ValidationErrors)).
		Float64("coverage", result.CoverageScore).
		Bool("partial", result.Partial).
		Msg("detection coverage analyzed")

	if result.Partial {
		// partial results are neither cached nor handed to the sinks
		return result, nil
	}

	s.writeCache(ctx, key, result)
	for _, sink := range s.deps.Sinks {
		if err := sink.DetectionAnalyzed(ctx, det, result); err != nil {
			log.Warn().Err(err).Msg("result sink failed")
		}
	}

	return result, nil
}

type resolvedMapping struct {
	technique *models.Technique
	mapping   models.TechniqueMapping
}

// mergeMappings combines manual mappings with scored AI candidates. A manual mapping wins
// over an AI candidate for the same technique. The merged list is ordered by descending
// confidence, ties keeping manual mappings first, and capped at the per-detection maximum.
// transient reports a manual mapping that could not be resolved for a retryable reason.
func (s *Service) mergeMappings(ctx context.Context, det *models.Detection, scored []models.ScoredTechnique, result *models.DetectionCoverageResult) (merged []resolvedMapping, transient bool) {
	seen := make(map[string]struct{})

	for _, m := range det.ManualMappings() {
		if _, ok := seen[m.TechniqueID]; ok {
			continue
		}
		t, err := s.deps.Registry.GetTechnique(ctx, m.TechniqueID)
		if err != nil {
			result.ValidationErrors = append(result.ValidationErrors, err.Error())
			transient = transient || IsTransient(err)
			continue
		}
		seen[m.TechniqueID] = struct{}{}
		if m.Confidence == 0 {
			m.Confidence = 1
		}
		merged = append(merged, resolvedMapping{technique: t, mapping: m})
	}

	for _, c := range scored {
		if _, ok := seen[c.TechniqueID]; ok {
			continue
		}
		seen[c.TechniqueID] = struct{}{}

		quality := c.Candidate.QualityScore
		if quality <= 0 {
			quality = c.Confidence
		}
		merged = append(merged, resolvedMapping{
			technique: c.Technique,
			mapping: models.TechniqueMapping{
				TechniqueID:  c.TechniqueID,
				QualityScore: clamp01(quality),
				MappingType:  models.MappingTypeAIGenerated,
				Confidence:   c.Confidence,
			},
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].mapping.Confidence > merged[j].mapping.Confidence
	})
	if limit := s.cfg.MaxTechniquesPerDetection; limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, transient
}

func (s *Service) detectionKey(det *models.Detection) string {
	return fmt.Sprintf("coverage:detection:%s:%s:%d", s.cacheVersion, det.ID, det.UpdatedAt.UnixNano())
}

// libraryKey includes a fingerprint of the detection set, so any change to the set
// misses the cached aggregate
func (s *Service) libraryKey(libraryID uuid.UUID, platform models.Platform, detections []*models.Detection) string {
	if platform == "" {
		platform = "all"
	}
	return fmt.Sprintf("coverage:library:%s:%s:%s:%s", s.cacheVersion, libraryID, platform, fingerprint(detections))
}

func fingerprint(detections []*models.Detection) string {
	pairs := make([]string, len(detections))
	for i, d := range detections {
		pairs[i] = fmt.Sprintf("%s:%d", d.ID, d.UpdatedAt.UnixNano())
	}
	sort.Strings(pairs)

	h := sha256.New()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

func (s *Service) readCache(ctx context.Context, key string, dest any) bool {
	if s.deps.Cache == nil {
		return false
	}
	data, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("result cache read failed")
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable cached result")
		return false
	}
	return true
}

func (s *Service) writeCache(ctx context.Context, key string, value any) {
	if s.deps.Cache == nil || s.cfg.ResultCacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.deps.Cache.SetWithTTL(ctx, key, data, s.cfg.ResultCacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("result cache write failed")
	}
}

func filterPlatform(batch []*models.Detection, platform models.Platform) []*models.Detection {
	if platform == "" {
		return batch
	}
	out := make([]*models.Detection, 0, len(batch))
	for _, d := range batch {
		if d.Platform == platform {
			out = append(out, d)
		}
	}
	return out
}
