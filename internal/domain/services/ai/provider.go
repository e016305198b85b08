package ai

import (
	"context"
	"fmt"

	"ruleforge-lab/internal/config"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

// Provider bundles the candidate generator and confidence function of one backend
type Provider struct {
	Name       string
	Generator  coverage.CandidateGenerator
	Confidence coverage.ConfidenceFunc

	closeFn func() error
}

// Close releases backend resources
func (p *Provider) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}

// NewProvider builds the configured backend. An empty provider selects the heuristic
// keyword mapper.
func NewProvider(ctx context.Context, cfg config.AIConfig, log *logger.Logger) (*Provider, error) {
	switch cfg.Provider {
	case "", ProviderHeuristic:
		km := NewKeywordMapper(log)
		return &Provider{Name: ProviderHeuristic, Generator: km, Confidence: km}, nil

	case ProviderClaude, ProviderOpenAI:
		client, err := NewLLMClient(LLMConfig{
			Provider:     cfg.Provider,
			ClaudeAPIKey: cfg.ClaudeAPIKey,
			OpenAIAPIKey: cfg.OpenAIAPIKey,
			Model:        cfg.Model,
			Temperature:  cfg.Temperature,
			MaxTokens:    cfg.MaxTokens,
			Timeout:      cfg.Timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		mapper := NewLLMMapper(client, log)
		return &Provider{Name: cfg.Provider, Generator: mapper, Confidence: mapper}, nil

	case ProviderGemini:
		client, err := NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.Model, cfg.Temperature, cfg.MaxTokens, log)
		if err != nil {
			return nil, err
		}
		mapper := NewLLMMapper(client, log)
		return &Provider{Name: ProviderGemini, Generator: mapper, Confidence: mapper, closeFn: client.Close}, nil

	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", cfg.Provider)
	}
}
