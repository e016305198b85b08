package attack

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
)

// index is an in-memory technique catalogue shared by the file-backed sources
type index struct {
	mu         sync.RWMutex
	techniques map[string]*models.RawTechnique
	children   map[string][]string
}

func newIndex() *index {
	return &index{
		techniques: make(map[string]*models.RawTechnique),
		children:   make(map[string][]string),
	}
}

func (ix *index) replace(techniques []*models.RawTechnique) {
	byID := make(map[string]*models.RawTechnique, len(techniques))
	children := make(map[string][]string)
	for _, t := range techniques {
		id := strings.ToUpper(strings.TrimSpace(t.ID))
		if id == "" {
			continue
		}
		t.ID = id
		byID[id] = t
		if parent := models.ParentTechniqueID(id); parent != id {
			children[parent] = append(children[parent], id)
		}
	}
	for parent := range children {
		sort.Strings(children[parent])
	}

	ix.mu.Lock()
	ix.techniques = byID
	ix.children = children
	ix.mu.Unlock()
}

func (ix *index) fetch(id string) (*models.RawTechnique, error) {
	ix.mu.RLock()
	t, ok := ix.techniques[strings.ToUpper(id)]
	ix.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", coverage.ErrTechniqueNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (ix *index) subtechniques(parentID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.children[strings.ToUpper(parentID)]...)
}

func (ix *index) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.techniques)
}

// FetchTechnique returns a copy of the catalogued technique
func (ix *index) FetchTechnique(ctx context.Context, id string) (*models.RawTechnique, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ix.fetch(id)
}

// ListSubtechniques returns the sorted sub-technique ids of a parent
func (ix *index) ListSubtechniques(ctx context.Context, parentID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ix.subtechniques(parentID), nil
}
