package attack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

const testBundle = `{
  "type": "bundle",
  "id": "bundle--1",
  "spec_version": "2.1",
  "objects": [
    {
      "type": "attack-pattern",
      "id": "attack-pattern--parent",
      "name": "Process Injection",
      "description": "inject code",
      "x_mitre_version": "1.3",
      "x_mitre_platforms": ["Windows", "Linux"],
      "kill_chain_phases": [
        {"kill_chain_name": "mitre-attack", "phase_name": "defense-evasion"},
        {"kill_chain_name": "mitre-attack", "phase_name": "privilege-escalation"}
      ],
      "external_references": [
        {"source_name": "capec", "external_id": "CAPEC-1"},
        {"source_name": "mitre-attack", "external_id": "T1055", "url": "https://attack.mitre.org/techniques/T1055"}
      ]
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--child",
      "name": "Process Hollowing",
      "x_mitre_is_subtechnique": true,
      "kill_chain_phases": [{"kill_chain_name": "mitre-attack", "phase_name": "defense-evasion"}],
      "external_references": [{"source_name": "mitre-attack", "external_id": "T1055.012"}]
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--old",
      "name": "Scripting",
      "revoked": true,
      "external_references": [{"source_name": "mitre-attack", "external_id": "T1064"}]
    },
    {
      "type": "attack-pattern",
      "id": "attack-pattern--noid",
      "name": "No external id"
    },
    {
      "type": "relationship",
      "id": "relationship--1",
      "relationship_type": "subtechnique-of",
      "source_ref": "attack-pattern--child",
      "target_ref": "attack-pattern--parent"
    },
    {
      "type": "relationship",
      "id": "relationship--2",
      "relationship_type": "uses",
      "source_ref": "intrusion-set--x",
      "target_ref": "attack-pattern--parent"
    },
    {"type": "x-mitre-tactic", "id": "x-mitre-tactic--1", "name": "Defense Evasion"}
  ]
}`

func TestSTIXSource_ParsesBundle(t *testing.T) {
	src, err := NewSTIXSource(strings.NewReader(testBundle), logger.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 3, src.Size())

	parent, err := src.FetchTechnique(ctx, "T1055")
	require.NoError(t, err)
	assert.Equal(t, "Process Injection", parent.Name)
	assert.Equal(t, []string{"defense-evasion", "privilege-escalation"}, parent.Tactics)
	assert.Equal(t, "1.3", parent.Version)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1055", parent.URL)
	assert.Equal(t, models.TechniqueRef{ID: "T1055.012", Relationship: models.RelationshipParentOf}, parent.Relationships["T1055.012"])

	child, err := src.FetchTechnique(ctx, "T1055.012")
	require.NoError(t, err)
	assert.True(t, child.IsSubtechnique)
	assert.Equal(t, models.RelationshipSubtechniqueOf, child.Relationships["T1055"].Relationship)

	revoked, err := src.FetchTechnique(ctx, "T1064")
	require.NoError(t, err)
	assert.True(t, revoked.ToTechnique().Deprecated)

	subs, err := src.ListSubtechniques(ctx, "T1055")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1055.012"}, subs)

	_, err = src.FetchTechnique(ctx, "T1003")
	assert.ErrorIs(t, err, coverage.ErrTechniqueNotFound)
}

func TestSTIXSource_RejectsEmptyOrBrokenBundles(t *testing.T) {
	_, err := NewSTIXSource(strings.NewReader(`{"type":"bundle","objects":[]}`), logger.NewNop())
	assert.Error(t, err)

	_, err = NewSTIXSource(strings.NewReader(`{"type":`), logger.NewNop())
	assert.Error(t, err)
}

func TestSTIXSource_FromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enterprise-attack.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(testBundle))
	}))
	defer srv.Close()

	src, err := NewSTIXSourceFromURL(context.Background(), srv.Client(), srv.URL+"/enterprise-attack.json", logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, src.Size())

	_, err = NewSTIXSourceFromURL(context.Background(), srv.Client(), srv.URL+"/missing.json", logger.NewNop())
	assert.Error(t, err)
}
