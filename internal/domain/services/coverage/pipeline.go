package coverage

import (
	"context"
	"sync"
	"time"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

// FetchFunc fetches one raw technique
type FetchFunc func(ctx context.Context, id string) (*models.RawTechnique, error)

// Stage wraps a FetchFunc with a cross-cutting policy
type Stage func(next FetchFunc) FetchFunc

// Chain composes stages around fetch. The first stage is the outermost.
func Chain(fetch FetchFunc, stages ...Stage) FetchFunc {
	for i := len(stages) - 1; i >= 0; i-- {
		fetch = stages[i](fetch)
	}
	return fetch
}

// WithTimeout bounds each call with its own deadline
func WithTimeout(d time.Duration) Stage {
	return func(next FetchFunc) FetchFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, id string) (*models.RawTechnique, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, id)
		}
	}
}

// RetryPolicy bounds attempts and backoff for transient failures
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the delay before the given retry (1-based)
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	shift := retry - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.InitialBackoff * time.Duration(1<<uint(shift))
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// WithRetry retries transient failures with exponential backoff.
// Errors IsRetryable rejects are returned immediately.
func WithRetry(policy RetryPolicy, log *logger.Logger) Stage {
	return func(next FetchFunc) FetchFunc {
		return func(ctx context.Context, id string) (*models.RawTechnique, error) {
			attempts := policy.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}

			var lastErr error
			for attempt := 0; attempt < attempts; attempt++ {
				if attempt > 0 {
					delay := policy.Backoff(attempt)
					log.Debug().
						Str("technique_id", id).
						Int("attempt", attempt+1).
						Dur("delay", delay).
						Msg("retrying technique fetch")

					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(delay):
					}
				}

				raw, err := next(ctx, id)
				if err == nil {
					return raw, nil
				}
				lastErr = err
				if !IsRetryable(err) || ctx.Err() != nil {
					return nil, err
				}
			}
			return nil, lastErr
		}
	}
}

// CircuitBreaker stops calling a failing source until a cooldown elapses
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	now       func() time.Time
}

// NewCircuitBreaker creates a breaker; threshold <= 0 disables it
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow returns ErrCircuitOpen while the breaker is open.
// After the cooldown one trial call is let through (half-open).
func (b *CircuitBreaker) Allow() error {
	if b.threshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		// half-open: the next failure reopens immediately
		b.failures = b.threshold - 1
		return nil
	}
	return ErrCircuitOpen
}

// Record updates the breaker with the outcome of a call
func (b *CircuitBreaker) Record(err error) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsRetryable(err) {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// State returns "closed", "open" or "disabled"
func (b *CircuitBreaker) State() string {
	if b.threshold <= 0 {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.cooldown {
		return "open"
	}
	return "closed"
}

// WithBreaker short-circuits calls while b is open
func WithBreaker(b *CircuitBreaker) Stage {
	return func(next FetchFunc) FetchFunc {
		return func(ctx context.Context, id string) (*models.RawTechnique, error) {
			if err := b.Allow(); err != nil {
				return nil, err
			}
			raw, err := next(ctx, id)
			if ctx.Err() == nil {
				b.Record(err)
			}
			return raw, err
		}
	}
}

// fanOut calls fn for every index in [0, n) with at most limit calls in flight.
// Indices whose turn comes after ctx is done are skipped.
func fanOut(ctx context.Context, n, limit int, fn func(i int)) {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			fn(i)
		}(i)
	}

	wg.Wait()
}
