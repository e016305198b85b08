package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"ruleforge-lab/pkg/logger"
)

// GeminiClient completes prompts with a Google Gemini model
type GeminiClient struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	logger    *logger.Logger
}

// NewGeminiClient creates a Gemini-backed completer
func NewGeminiClient(ctx context.Context, apiKey, modelName string, temperature float64, maxTokens int, log *logger.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(float32(temperature))
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	model.ResponseMIMEType = "application/json"

	return &GeminiClient{
		client:    client,
		model:     model,
		modelName: modelName,
		logger:    log.WithComponent("gemini-client"),
	}, nil
}

// Model returns the configured model name
func (g *GeminiClient) Model() string {
	return g.modelName
}

// Complete sends one user message under the given system instruction
func (g *GeminiClient) Complete(ctx context.Context, system, user string) (*CompletionResponse, error) {
	model := *g.model
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(user))
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no response candidates")
	}

	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	out := &CompletionResponse{
		Content:    sb.String(),
		StopReason: cand.FinishReason.String(),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// Close releases the underlying client
func (g *GeminiClient) Close() error {
	return g.client.Close()
}
