package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ruleforge-lab/pkg/logger"
)

const (
	ProviderClaude    = "claude"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderHeuristic = "heuristic"

	defaultClaudeURL = "https://api.anthropic.com/v1/messages"
	defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"
)

// Completer sends a single system+user exchange to a language model and returns its text
type Completer interface {
	Complete(ctx context.Context, system, user string) (*CompletionResponse, error)
	Model() string
}

// LLMClient provides access to the Claude and OpenAI chat APIs
type LLMClient struct {
	httpClient *http.Client
	logger     *logger.Logger
	config     LLMConfig
}

// LLMConfig holds LLM client configuration
type LLMConfig struct {
	Provider     string // claude, openai
	ClaudeAPIKey string
	OpenAIAPIKey string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration

	// Endpoint overrides the provider URL (proxies, tests)
	Endpoint string
}

// NewLLMClient creates a new LLM client
func NewLLMClient(cfg LLMConfig, log *logger.Logger) (*LLMClient, error) {
	switch cfg.Provider {
	case ProviderClaude:
		if cfg.ClaudeAPIKey == "" {
			return nil, fmt.Errorf("claude provider requires an API key")
		}
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Model == "" {
		if cfg.Provider == ProviderClaude {
			cfg.Model = "claude-3-5-sonnet-20241022"
		} else {
			cfg.Model = "gpt-4o"
		}
	}
	if cfg.Endpoint == "" {
		if cfg.Provider == ProviderClaude {
			cfg.Endpoint = defaultClaudeURL
		} else {
			cfg.Endpoint = defaultOpenAIURL
		}
	}

	return &LLMClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log.WithComponent("llm-client"),
		config:     cfg,
	}, nil
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// Usage reports token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Model returns the configured model name
func (c *LLMClient) Model() string {
	return c.config.Model
}

// Complete sends one user message under the given system prompt
func (c *LLMClient) Complete(ctx context.Context, system, user string) (*CompletionResponse, error) {
	messages := []Message{{Role: "user", Content: user}}

	start := time.Now()
	var (
		resp *CompletionResponse
		err  error
	)
	switch c.config.Provider {
	case ProviderClaude:
		resp, err = c.callClaude(ctx, system, messages)
	case ProviderOpenAI:
		resp, err = c.callOpenAI(ctx, system, messages)
	default:
		err = fmt.Errorf("unsupported LLM provider: %s", c.config.Provider)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("model", c.config.Model).
		Int("tokens", resp.Usage.InputTokens+resp.Usage.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("completion received")

	return resp, nil
}

// callClaude calls the Anthropic messages API
func (c *LLMClient) callClaude(ctx context.Context, system string, messages []Message) (*CompletionResponse, error) {
	reqBody := map[string]interface{}{
		"model":       c.config.Model,
		"max_tokens":  c.config.MaxTokens,
		"temperature": c.config.Temperature,
		"messages":    messages,
	}
	if system != "" {
		reqBody["system"] = system
	}

	body, err := c.post(ctx, reqBody, map[string]string{
		"x-api-key":         c.config.ClaudeAPIKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return nil, fmt.Errorf("claude request failed: %w", err)
	}

	var claudeResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      Usage  `json:"usage"`
	}
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return nil, fmt.Errorf("failed to decode claude response: %w", err)
	}

	var sb strings.Builder
	for _, part := range claudeResp.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("no text content in claude response")
	}

	return &CompletionResponse{
		Content:    sb.String(),
		StopReason: claudeResp.StopReason,
		Usage:      claudeResp.Usage,
	}, nil
}

// callOpenAI calls the OpenAI chat completions API
func (c *LLMClient) callOpenAI(ctx context.Context, system string, messages []Message) (*CompletionResponse, error) {
	all := make([]Message, 0, len(messages)+1)
	if system != "" {
		all = append(all, Message{Role: "system", Content: system})
	}
	all = append(all, messages...)

	reqBody := map[string]interface{}{
		"model":           c.config.Model,
		"max_tokens":      c.config.MaxTokens,
		"temperature":     c.config.Temperature,
		"messages":        all,
		"response_format": map[string]string{"type": "json_object"},
	}

	body, err := c.post(ctx, reqBody, map[string]string{
		"Authorization": "Bearer " + c.config.OpenAIAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	var openAIResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return nil, fmt.Errorf("failed to decode openai response: %w", err)
	}
	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	return &CompletionResponse{
		Content:    openAIResp.Choices[0].Message.Content,
		StopReason: openAIResp.Choices[0].FinishReason,
		Usage: Usage{
			InputTokens:  openAIResp.Usage.PromptTokens,
			OutputTokens: openAIResp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *LLMClient) post(ctx context.Context, payload interface{}, headers map[string]string) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(body), 300))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
