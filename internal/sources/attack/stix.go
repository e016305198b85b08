package attack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

// DefaultSTIXURL is the MITRE-hosted enterprise ATT&CK bundle
const DefaultSTIXURL = "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/master/enterprise-attack/enterprise-attack.json"

// STIXBundle represents the STIX 2.x bundle format from ATT&CK
type STIXBundle struct {
	Type        string            `json:"type"`
	ID          string            `json:"id"`
	SpecVersion string            `json:"spec_version"`
	Objects     []json.RawMessage `json:"objects"`
}

// stixObject carries the fields needed to route a bundle object
type stixObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type stixExternalRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type stixAttackPattern struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	KillChainPhases []struct {
		KillChainName string `json:"kill_chain_name"`
		PhaseName     string `json:"phase_name"`
	} `json:"kill_chain_phases"`
	Platforms      []string          `json:"x_mitre_platforms"`
	IsSubtechnique bool              `json:"x_mitre_is_subtechnique"`
	Version        string            `json:"x_mitre_version"`
	Deprecated     bool              `json:"x_mitre_deprecated"`
	Revoked        bool              `json:"revoked"`
	ExternalRefs   []stixExternalRef `json:"external_references"`
}

type stixRelationship struct {
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
	Revoked          bool   `json:"revoked"`
	Deprecated       bool   `json:"x_mitre_deprecated"`
}

// STIXSource serves techniques parsed from an ATT&CK STIX bundle held in memory
type STIXSource struct {
	*index
	logger *logger.Logger
}

// NewSTIXSourceFromFile loads a STIX bundle from disk
func NewSTIXSourceFromFile(path string, log *logger.Logger) (*STIXSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open STIX bundle: %w", err)
	}
	defer f.Close()

	return NewSTIXSource(f, log)
}

// NewSTIXSourceFromURL downloads a STIX bundle
func NewSTIXSourceFromURL(ctx context.Context, client *http.Client, url string, log *logger.Logger) (*STIXSource, error) {
	if url == "" {
		url = DefaultSTIXURL
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	log.Info().Str("url", url).Msg("downloading ATT&CK STIX bundle")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download STIX bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("STIX bundle download returned status %d", resp.StatusCode)
	}

	return NewSTIXSource(resp.Body, log)
}

// NewSTIXSource parses a STIX bundle from r
func NewSTIXSource(r io.Reader, log *logger.Logger) (*STIXSource, error) {
	var bundle STIXBundle
	if err := json.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to parse STIX bundle: %w", err)
	}

	techniques, err := parseBundle(&bundle)
	if err != nil {
		return nil, err
	}

	s := &STIXSource{index: newIndex(), logger: log.WithComponent("stix-source")}
	s.replace(techniques)

	s.logger.Info().Int("techniques", s.size()).Msg("ATT&CK STIX bundle loaded")
	return s, nil
}

// Size returns the number of catalogued techniques
func (s *STIXSource) Size() int {
	return s.size()
}

func parseBundle(bundle *STIXBundle) ([]*models.RawTechnique, error) {
	byStixID := make(map[string]*models.RawTechnique)
	var relationships []stixRelationship

	for _, objData := range bundle.Objects {
		var obj stixObject
		if err := json.Unmarshal(objData, &obj); err != nil {
			continue
		}

		switch obj.Type {
		case "attack-pattern":
			t, ok := parseAttackPattern(objData)
			if ok {
				byStixID[obj.ID] = t
			}
		case "relationship":
			var rel stixRelationship
			if err := json.Unmarshal(objData, &rel); err == nil && !rel.Revoked && !rel.Deprecated {
				relationships = append(relationships, rel)
			}
		}
	}

	if len(byStixID) == 0 {
		return nil, fmt.Errorf("STIX bundle contains no ATT&CK techniques")
	}

	for _, rel := range relationships {
		src, okSrc := byStixID[rel.SourceRef]
		dst, okDst := byStixID[rel.TargetRef]
		if !okSrc || !okDst {
			continue
		}
		switch rel.RelationshipType {
		case "subtechnique-of":
			addRelationship(src, dst.ID, models.RelationshipSubtechniqueOf)
			addRelationship(dst, src.ID, models.RelationshipParentOf)
		case "revoked-by":
			addRelationship(src, dst.ID, models.RelationshipRelatedTo)
		}
	}

	out := make([]*models.RawTechnique, 0, len(byStixID))
	for _, t := range byStixID {
		out = append(out, t)
	}
	return out, nil
}

func parseAttackPattern(data json.RawMessage) (*models.RawTechnique, bool) {
	var raw stixAttackPattern
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}

	var techniqueID, url string
	for _, ref := range raw.ExternalRefs {
		if ref.SourceName == "mitre-attack" {
			techniqueID = ref.ExternalID
			url = ref.URL
			break
		}
	}
	if !models.ValidTechniqueID(techniqueID) {
		return nil, false
	}

	var tactics []string
	for _, kcp := range raw.KillChainPhases {
		if kcp.KillChainName == "" || strings.HasPrefix(kcp.KillChainName, "mitre-") {
			tactics = append(tactics, kcp.PhaseName)
		}
	}

	return &models.RawTechnique{
		ID:             techniqueID,
		Name:           raw.Name,
		Description:    raw.Description,
		Tactics:        tactics,
		IsSubtechnique: raw.IsSubtechnique,
		Deprecated:     raw.Deprecated,
		Revoked:        raw.Revoked,
		Version:        raw.Version,
		Platforms:      raw.Platforms,
		URL:            url,
	}, true
}

func addRelationship(t *models.RawTechnique, targetID, kind string) {
	if t.Relationships == nil {
		t.Relationships = make(map[string]models.TechniqueRef)
	}
	t.Relationships[targetID] = models.TechniqueRef{ID: targetID, Relationship: kind}
}
