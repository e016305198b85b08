package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

const (
	lockKey     = "coverage:worker"
	historySize = 100

	// Retry settings
	maxRetries     = 3
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

// LibraryAnalyzer runs library coverage analysis
type LibraryAnalyzer interface {
	AnalyzeLibrary(ctx context.Context, libraryID uuid.UUID, opts coverage.LibraryOptions) (*models.LibraryCoverageResult, error)
}

// Coordinator provides the distributed lock and run history shared by worker replicas
type Coordinator interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	RefreshLock(ctx context.Context, lockKey string, ttl time.Duration) error
	RecordRun(ctx context.Context, entry string, keep int64) error
}

// CoverageWorker periodically re-analyzes the configured libraries. Only one replica
// runs a cycle at a time.
type CoverageWorker struct {
	cfg       config.WorkerConfig
	libraries []uuid.UUID
	analyzer  LibraryAnalyzer
	coord     Coordinator
	logger    *logger.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewCoverageWorker creates a new coverage worker
func NewCoverageWorker(cfg config.WorkerConfig, libraries []uuid.UUID, analyzer LibraryAnalyzer, coord Coordinator, log *logger.Logger) *CoverageWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &CoverageWorker{
		cfg:       cfg,
		libraries: libraries,
		analyzer:  analyzer,
		coord:     coord,
		logger:    log,
		baseDelay: baseRetryDelay,
		maxDelay:  maxRetryDelay,
	}
}

// Run starts the worker main loop
func (w *CoverageWorker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Int("max_retries", maxRetries).
		Msg("starting coverage worker loop")

	// Run immediately on start
	w.runWithLock(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("coverage worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.runWithLock(ctx)
		}
	}
}

// runWithLock runs one cycle if this replica obtains the lock
func (w *CoverageWorker) runWithLock(ctx context.Context) bool {
	acquired, err := w.coord.AcquireLock(ctx, lockKey, w.cfg.LockTTL)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to acquire lock")
		return false
	}
	if !acquired {
		w.logger.Debug().Msg("another worker is running, skipping")
		return false
	}

	defer func() {
		// Release even when ctx is already canceled
		if err := w.coord.ReleaseLock(context.Background(), lockKey); err != nil {
			w.logger.Warn().Err(err).Msg("failed to release lock")
		}
	}()

	lockCtx, lockCancel := context.WithCancel(ctx)
	defer lockCancel()
	go w.refreshLock(lockCtx)

	for _, id := range w.libraries {
		if ctx.Err() != nil {
			return true
		}
		w.runWithRetry(ctx, id)
	}
	return true
}

// refreshLock extends the lock at a third of its TTL while a cycle runs
func (w *CoverageWorker) refreshLock(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.LockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.coord.RefreshLock(ctx, lockKey, w.cfg.LockTTL); err != nil {
				w.logger.Warn().Err(err).Msg("failed to refresh lock")
			}
		}
	}
}

// runWithRetry analyzes one library with exponential backoff. Invalid input is not retried.
func (w *CoverageWorker) runWithRetry(ctx context.Context, libraryID uuid.UUID) error {
	log := w.logger.WithLibraryID(libraryID.String())
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := w.backoff(attempt)
			log.Info().
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying library analysis after delay")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := w.analyze(ctx, libraryID)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, coverage.ErrUnsupportedPlatform) {
			return err
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Msg("library analysis failed")
	}

	log.Error().
		Err(lastErr).
		Int("attempts", maxRetries+1).
		Msg("library analysis failed after all retries")
	return lastErr
}

// analyze runs a single analysis and records it in the run history
func (w *CoverageWorker) analyze(ctx context.Context, libraryID uuid.UUID) error {
	start := time.Now()

	result, err := w.analyzer.AnalyzeLibrary(ctx, libraryID, coverage.LibraryOptions{ForceRefresh: true})
	duration := time.Since(start)

	entry := fmt.Sprintf("%s|%s|%v|%d|", start.UTC().Format(time.RFC3339), libraryID, err == nil, duration.Milliseconds())
	if err != nil {
		entry += err.Error()
	} else {
		entry += fmt.Sprintf("coverage=%.3f analyzed=%d failed=%d gaps=%d",
			result.OverallCoverage, result.AnalyzedDetections, result.FailedDetections, len(result.CriticalGaps))

		w.logger.Info().
			Str("library_id", libraryID.String()).
			Float64("coverage", result.OverallCoverage).
			Int("analyzed", result.AnalyzedDetections).
			Int("failed", result.FailedDetections).
			Int("critical_gaps", len(result.CriticalGaps)).
			Dur("duration", duration).
			Msg("library analysis completed")
	}

	if recErr := w.coord.RecordRun(context.Background(), entry, historySize); recErr != nil {
		w.logger.Warn().Err(recErr).Msg("failed to record run history")
	}
	return err
}

// backoff calculates exponential backoff delay
func (w *CoverageWorker) backoff(attempt int) time.Duration {
	delay := w.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > w.maxDelay {
		delay = w.maxDelay
	}
	return delay
}
