// Package attack provides MITRE ATT&CK taxonomy sources for the technique registry.
package attack

import (
	"context"
	"fmt"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

const (
	SourceSTIX    = "stix"
	SourceAPI     = "api"
	SourceFixture = "fixture"
)

// NewTaxonomySource builds the source selected by cfg.Source
func NewTaxonomySource(ctx context.Context, cfg config.RegistryConfig, log *logger.Logger) (coverage.TaxonomySource, error) {
	switch cfg.Source {
	case SourceSTIX:
		if cfg.STIXFile != "" {
			return NewSTIXSourceFromFile(cfg.STIXFile, log)
		}
		return NewSTIXSourceFromURL(ctx, nil, cfg.STIXURL, log)
	case SourceAPI:
		if cfg.APIURL == "" {
			return nil, fmt.Errorf("registry.api_url is required for the api source")
		}
		return NewAPISource(cfg.APIURL, cfg.FetchTimeout, log), nil
	case SourceFixture, "":
		return NewFixtureSource(cfg.FixtureFile, log)
	default:
		return nil, fmt.Errorf("unknown taxonomy source %q", cfg.Source)
	}
}
