package attack

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

//go:embed fixtures/techniques.yaml
var embeddedFixture []byte

// Fixture is the YAML layout of a technique fixture file
type Fixture struct {
	Version    string                 `yaml:"version"`
	Techniques []*models.RawTechnique `yaml:"techniques"`
}

// FixtureSource serves techniques from a YAML fixture
type FixtureSource struct {
	*index
	version string
	logger  *logger.Logger
}

// NewFixtureSource loads the fixture at path, or the embedded fixture when path is empty
func NewFixtureSource(path string, log *logger.Logger) (*FixtureSource, error) {
	data := embeddedFixture
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read technique fixture: %w", err)
		}
		data = b
	}
	return NewFixtureSourceFromBytes(data, log)
}

// NewFixtureSourceFromBytes parses a YAML fixture
func NewFixtureSourceFromBytes(data []byte, log *logger.Logger) (*FixtureSource, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse technique fixture: %w", err)
	}
	if len(fx.Techniques) == 0 {
		return nil, fmt.Errorf("technique fixture is empty")
	}

	for _, t := range fx.Techniques {
		if t.Version == "" {
			t.Version = fx.Version
		}
		if parent := models.ParentTechniqueID(t.ID); parent != t.ID {
			addRelationship(t, parent, models.RelationshipSubtechniqueOf)
		}
	}

	s := &FixtureSource{index: newIndex(), version: fx.Version, logger: log.WithComponent("fixture-source")}
	s.replace(fx.Techniques)

	s.logger.Info().Int("techniques", s.size()).Str("version", fx.Version).Msg("technique fixture loaded")
	return s, nil
}

// Version returns the ATT&CK version declared by the fixture
func (s *FixtureSource) Version() string {
	return s.version
}

// Size returns the number of catalogued techniques
func (s *FixtureSource) Size() int {
	return s.size()
}
