package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

const maxGraphDepth = 5

// Registry resolves technique ids to validated technique metadata.
// Techniques are cached per cache version; cache writes are idempotent.
type Registry struct {
	source   TaxonomySource
	cache    Cache
	cfg      config.RegistryConfig
	validate *validator.Validate
	breaker  *CircuitBreaker
	fetch    FetchFunc
	logger   *logger.Logger

	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	fetchFailures atomic.Int64
}

// RegistryStats is a snapshot of registry counters
type RegistryStats struct {
	CacheVersion  string `json:"cache_version"`
	CacheHits     int64  `json:"cache_hits"`
	CacheMisses   int64  `json:"cache_misses"`
	FetchFailures int64  `json:"fetch_failures"`
	BreakerState  string `json:"breaker_state"`
}

// NewRegistry creates a technique registry backed by source and cache
func NewRegistry(cfg config.RegistryConfig, source TaxonomySource, c Cache, log *logger.Logger) *Registry {
	v := validator.New()
	v.RegisterValidation("technique_id", func(fl validator.FieldLevel) bool {
		return models.ValidTechniqueID(fl.Field().String())
	})

	if cfg.CacheVersion == "" {
		cfg.CacheVersion = "v1"
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 8
	}

	r := &Registry{
		source:   source,
		cache:    c,
		cfg:      cfg,
		validate: v,
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:   log.WithComponent("coverage-registry"),
	}

	r.fetch = Chain(source.FetchTechnique,
		WithBreaker(r.breaker),
		WithRetry(RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		}, r.logger),
		WithTimeout(cfg.FetchTimeout),
	)

	return r
}

// CacheKey returns the cache key for a technique under the current version
func (r *Registry) CacheKey(id string) string {
	return fmt.Sprintf("mitre:technique:%s:%s", r.cfg.CacheVersion, id)
}

// GetTechnique resolves id, serving from cache when possible
func (r *Registry) GetTechnique(ctx context.Context, id string) (*models.Technique, error) {
	t, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.checkPolicy(t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetBulk resolves many ids with one cache read and one batched cache write.
// Ids that are invalid or fail to resolve are logged and left out of the result.
func (r *Registry) GetBulk(ctx context.Context, ids []string) map[string]*models.Technique {
	result := make(map[string]*models.Technique, len(ids))

	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if !models.ValidTechniqueID(id) {
			r.logger.Warn().Str("technique_id", id).Msg("skipping invalid technique id")
			continue
		}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return result
	}

	keys := make([]string, len(unique))
	for i, id := range unique {
		keys[i] = r.CacheKey(id)
	}

	cached, err := r.cache.GetMany(ctx, keys)
	if err != nil || len(cached) != len(keys) {
		r.logger.Warn().Err(err).Msg("bulk cache read failed, fetching all ids")
		cached = make([][]byte, len(keys))
	}

	var misses []string
	for i, id := range unique {
		if t := r.decode(id, cached[i]); t != nil {
			r.cacheHits.Add(1)
			result[id] = t
			continue
		}
		r.cacheMisses.Add(1)
		misses = append(misses, id)
	}

	if len(misses) > 0 {
		fetched := make([]*models.Technique, len(misses))
		errs := make([]error, len(misses))

		fanOut(ctx, len(misses), r.cfg.BulkConcurrency, func(i int) {
			fetched[i], errs[i] = r.fetchValidated(ctx, misses[i])
		})

		toStore := make(map[string][]byte, len(misses))
		for i, id := range misses {
			if fetched[i] == nil {
				err := errs[i]
				if err == nil {
					err = ctx.Err()
				}
				r.logger.Warn().Err(err).Str("technique_id", id).Msg("bulk technique fetch failed")
				continue
			}
			result[id] = fetched[i]
			if data, err := json.Marshal(fetched[i]); err == nil {
				toStore[r.CacheKey(id)] = data
			}
		}

		if len(toStore) > 0 {
			if err := r.cache.SetManyWithTTL(ctx, toStore, r.cfg.CacheTTL); err != nil {
				r.logger.Warn().Err(err).Int("count", len(toStore)).Msg("bulk cache write failed")
			}
		}
	}

	for id, t := range result {
		if err := r.checkPolicy(t); err != nil {
			r.logger.Warn().Err(err).Msg("excluding technique from bulk result")
			delete(result, id)
		}
	}

	return result
}

// ValidateTechniqueGraph walks relationships and sibling sub-techniques of id up to depth
// hops and reports each node's validity. It never returns an error.
func (r *Registry) ValidateTechniqueGraph(ctx context.Context, id string, depth int) *models.TechniqueGraphReport {
	if depth < 0 {
		depth = 0
	}
	if depth > maxGraphDepth {
		depth = maxGraphDepth
	}

	report := &models.TechniqueGraphReport{RootID: id, Depth: depth}

	type item struct {
		id    string
		depth int
		via   string
	}
	queue := []item{{id: id}}
	visited := map[string]struct{}{id: {}}

	enqueue := func(next string, d int, via string) {
		if _, ok := visited[next]; ok {
			return
		}
		visited[next] = struct{}{}
		queue = append(queue, item{id: next, depth: d, via: via})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		node := models.TechniqueGraphNode{ID: cur.id, Depth: cur.depth, Via: cur.via}

		if ctx.Err() != nil {
			node.Reason = ctx.Err().Error()
			report.Nodes = append(report.Nodes, node)
			report.InvalidCount++
			continue
		}

		t, err := r.lookup(ctx, cur.id)
		switch {
		case err != nil:
			node.Reason = err.Error()
		case t.Deprecated:
			node.Name = t.Name
			node.Deprecated = true
			node.Reason = "technique is deprecated"
		default:
			node.Name = t.Name
			node.Valid = true
		}
		if !node.Valid {
			report.InvalidCount++
		}
		report.Nodes = append(report.Nodes, node)

		if t == nil || cur.depth >= depth {
			continue
		}

		relIDs := make([]string, 0, len(t.Relationships))
		for key := range t.Relationships {
			relIDs = append(relIDs, key)
		}
		sort.Strings(relIDs)
		for _, key := range relIDs {
			ref := t.Relationships[key]
			target := ref.ID
			if target == "" {
				target = key
			}
			enqueue(target, cur.depth+1, ref.Relationship)
		}

		if t.IsSubtechnique {
			for _, sib := range r.siblings(ctx, t) {
				enqueue(sib, cur.depth+1, "sibling")
			}
		}
	}

	report.Valid = report.InvalidCount == 0
	return report
}

// Stats returns a snapshot of cache and fetch counters
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		CacheVersion:  r.cfg.CacheVersion,
		CacheHits:     r.cacheHits.Load(),
		CacheMisses:   r.cacheMisses.Load(),
		FetchFailures: r.fetchFailures.Load(),
		BreakerState:  r.breaker.State(),
	}
}

// lookup resolves id through the cache and the fetch pipeline without applying
// the deprecation policy
func (r *Registry) lookup(ctx context.Context, id string) (*models.Technique, error) {
	if !models.ValidTechniqueID(id) {
		return nil, &TechniqueError{ID: id, Err: ErrInvalidTechniqueID}
	}

	key := r.CacheKey(id)
	data, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("technique_id", id).Msg("technique cache read failed")
	}
	if t := r.decode(id, data); t != nil {
		r.cacheHits.Add(1)
		return t, nil
	}
	r.cacheMisses.Add(1)

	t, err := r.fetchValidated(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(t); err == nil {
		if err := r.cache.SetWithTTL(ctx, key, data, r.cfg.CacheTTL); err != nil {
			r.logger.Warn().Err(err).Str("technique_id", id).Msg("technique cache write failed")
		}
	}
	return t, nil
}

func (r *Registry) fetchValidated(ctx context.Context, id string) (*models.Technique, error) {
	raw, err := r.fetch(ctx, id)
	if err != nil {
		r.fetchFailures.Add(1)
		return nil, &TechniqueError{ID: id, Err: err}
	}
	if raw == nil {
		return nil, &TechniqueError{ID: id, Err: fmt.Errorf("%w: empty response", ErrInvalidTechniqueData)}
	}
	if err := r.validate.Struct(raw); err != nil {
		return nil, &TechniqueError{ID: id, Err: fmt.Errorf("%w: %v", ErrInvalidTechniqueData, err)}
	}
	if raw.ID != id {
		return nil, &TechniqueError{ID: id, Err: fmt.Errorf("%w: source returned id %s", ErrInvalidTechniqueData, raw.ID)}
	}
	return raw.ToTechnique(), nil
}

func (r *Registry) checkPolicy(t *models.Technique) error {
	if t.Deprecated && !r.cfg.AllowDeprecated {
		return &TechniqueError{ID: t.ID, Err: ErrTechniqueDeprecated}
	}
	return nil
}

func (r *Registry) decode(id string, data []byte) *models.Technique {
	if data == nil {
		return nil
	}
	var t models.Technique
	if err := json.Unmarshal(data, &t); err != nil || t.ID != id {
		r.logger.Warn().Err(err).Str("technique_id", id).Msg("discarding unreadable cached technique")
		return nil
	}
	return &t
}

// siblings lists the other sub-techniques under t's parent
func (r *Registry) siblings(ctx context.Context, t *models.Technique) []string {
	parent := t.ParentID
	if parent == "" {
		parent = models.ParentTechniqueID(t.ID)
	}
	prefix := parent + "."

	var ids []string
	if lister, ok := r.source.(SiblingLister); ok {
		listed, err := lister.ListSubtechniques(ctx, parent)
		if err != nil {
			r.logger.Debug().Err(err).Str("parent_id", parent).Msg("listing sub-techniques failed")
		}
		ids = listed
	} else {
		p, err := r.lookup(ctx, parent)
		if err != nil {
			return nil
		}
		for key, ref := range p.Relationships {
			if ref.Relationship != models.RelationshipParentOf {
				continue
			}
			if ref.ID != "" {
				key = ref.ID
			}
			ids = append(ids, key)
		}
	}

	out := ids[:0:0]
	for _, sib := range ids {
		if sib != t.ID && strings.HasPrefix(sib, prefix) {
			out = append(out, sib)
		}
	}
	sort.Strings(out)
	return out
}

var _ TechniqueResolver = (*Registry)(nil)
