package attack

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/internal/infrastructure/cache"
	"ruleforge-lab/pkg/logger"
)

func TestFixtureSource_Embedded(t *testing.T) {
	src, err := NewFixtureSource("", logger.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, "15.1", src.Version())
	assert.Greater(t, src.Size(), 40)

	raw, err := src.FetchTechnique(ctx, "T1055")
	require.NoError(t, err)
	assert.Equal(t, "Process Injection", raw.Name)
	assert.Equal(t, models.CriticalityCritical, raw.Criticality)
	assert.Equal(t, "15.1", raw.Version)

	sub, err := src.FetchTechnique(ctx, "t1003.001")
	require.NoError(t, err, "lookups are case-insensitive")
	assert.Equal(t, models.RelationshipSubtechniqueOf, sub.Relationships["T1003"].Relationship)

	subs, err := src.ListSubtechniques(ctx, "T1003")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1003.001", "T1003.002", "T1003.003", "T1003.006"}, subs)

	_, err = src.FetchTechnique(ctx, "T9999")
	assert.ErrorIs(t, err, coverage.ErrTechniqueNotFound)
}

func TestFixtureSource_ReturnsCopies(t *testing.T) {
	src, err := NewFixtureSource("", logger.NewNop())
	require.NoError(t, err)

	raw, err := src.FetchTechnique(context.Background(), "T1059")
	require.NoError(t, err)
	raw.Name = "mutated"

	again, err := src.FetchTechnique(context.Background(), "T1059")
	require.NoError(t, err)
	assert.Equal(t, "Command and Scripting Interpreter", again.Name)
}

func TestFixtureSource_Errors(t *testing.T) {
	_, err := NewFixtureSourceFromBytes([]byte("techniques: []"), logger.NewNop())
	assert.Error(t, err)

	_, err = NewFixtureSourceFromBytes([]byte("techniques: [unclosed"), logger.NewNop())
	assert.Error(t, err)

	_, err = NewFixtureSource("/nonexistent/techniques.yaml", logger.NewNop())
	assert.Error(t, err)
}

func TestFixtureSource_CancelledContext(t *testing.T) {
	src, err := NewFixtureSource("", logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = src.FetchTechnique(ctx, "T1055")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFixtureSource_BacksRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := cache.NewRedis(context.Background(), config.RedisConfig{Host: mr.Host(), Port: port}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	src, err := NewFixtureSource("", logger.NewNop())
	require.NoError(t, err)

	reg := coverage.NewRegistry(config.RegistryConfig{
		CacheVersion:   "v1",
		CacheTTL:       time.Hour,
		FetchTimeout:   time.Second,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, src, c, logger.NewNop())
	ctx := context.Background()

	tech, err := reg.GetTechnique(ctx, "T1055.012")
	require.NoError(t, err)
	assert.Equal(t, "T1055", tech.ParentID)
	assert.True(t, mr.Exists(reg.CacheKey("T1055.012")))

	_, err = reg.GetTechnique(ctx, "T1064")
	assert.ErrorIs(t, err, coverage.ErrTechniqueDeprecated)

	report := reg.ValidateTechniqueGraph(ctx, "T1003.001", 1)
	ids := make([]string, 0, len(report.Nodes))
	for _, n := range report.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Contains(t, ids, "T1003")
	assert.Contains(t, ids, "T1003.006", "siblings are visited")
	assert.True(t, report.Valid)
}
