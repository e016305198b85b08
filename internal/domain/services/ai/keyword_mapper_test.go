package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

func candidateIDs(p *models.CandidateProposal) []string {
	ids := make([]string, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		ids = append(ids, c.TechniqueID)
	}
	return ids
}

func TestKeywordMapper_ExplicitIDs(t *testing.T) {
	km := NewKeywordMapper(logger.NewNop())

	content := "title: Encoded PowerShell\ntags:\n  - attack.execution\n  - attack.t1059.001\n  - attack.T1027"
	proposal, err := km.ProposeTechniques(context.Background(), content)
	require.NoError(t, err)
	require.True(t, proposal.Success)

	ids := candidateIDs(proposal)
	assert.Contains(t, ids, "T1059.001")
	assert.Contains(t, ids, "T1027")

	for _, c := range proposal.Candidates {
		if c.TechniqueID == "T1059.001" {
			assert.InDelta(t, explicitConfidence, c.Confidence, 1e-9)
		}
	}
}

func TestKeywordMapper_Keywords(t *testing.T) {
	km := NewKeywordMapper(logger.NewNop())

	content := `process.name == "rundll32.exe" and process.command_line contains "comsvcs.dll, MiniDump" and target == "lsass.exe"`
	proposal, err := km.ProposeTechniques(context.Background(), content)
	require.NoError(t, err)

	var lsass *models.TechniqueCandidate
	for i := range proposal.Candidates {
		if proposal.Candidates[i].TechniqueID == "T1003.001" {
			lsass = &proposal.Candidates[i]
		}
	}
	require.NotNil(t, lsass)
	assert.InDelta(t, 0.75, lsass.Confidence, 1e-9)
	assert.Contains(t, lsass.Rationale, "lsass")
	assert.Contains(t, candidateIDs(proposal), "T1218.011")

	// Highest confidence first
	for i := 1; i < len(proposal.Candidates); i++ {
		assert.GreaterOrEqual(t, proposal.Candidates[i-1].Confidence, proposal.Candidates[i].Confidence)
	}
}

func TestKeywordMapper_NoMatches(t *testing.T) {
	km := NewKeywordMapper(logger.NewNop())

	proposal, err := km.ProposeTechniques(context.Background(), "user.name == 'alice'")
	require.NoError(t, err)
	assert.True(t, proposal.Success)
	assert.Empty(t, proposal.Candidates)
}

func TestKeywordMapper_Score(t *testing.T) {
	km := NewKeywordMapper(logger.NewNop())
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		candidate models.TechniqueCandidate
		want      float64
	}{
		{"explicit", "tags: attack.t1003.001", models.TechniqueCandidate{TechniqueID: "T1003.001"}, explicitConfidence},
		{"keyword", "image endswith mimikatz.exe", models.TechniqueCandidate{TechniqueID: "T1003.001"}, keywordConfidence},
		{"keyword in family", "ntdsutil ifm", models.TechniqueCandidate{TechniqueID: "T1003"}, keywordConfidence},
		{"name mention", "suspicious scheduled task created", models.TechniqueCandidate{TechniqueID: "T1053", Name: "Scheduled Task"}, nameConfidence},
		{"nothing", "user.name == 'bob'", models.TechniqueCandidate{TechniqueID: "T1486", Name: "Data Encrypted for Impact"}, floorConfidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := km.Score(ctx, tt.content, tt.candidate)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.InDelta(t, tt.want, res.Confidence, 1e-9)
		})
	}
}

func TestKeywordMapper_CanceledContext(t *testing.T) {
	km := NewKeywordMapper(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := km.ProposeTechniques(ctx, "powershell")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeywordScore_Ceiling(t *testing.T) {
	assert.InDelta(t, keywordConfidence, keywordScore(1), 1e-9)
	assert.InDelta(t, keywordCeiling, keywordScore(10), 1e-9)
}
