package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/pkg/logger"
)

const maxContentChars = 24000

const mappingSystemPrompt = `You are a detection engineer mapping detection rules to MITRE ATT&CK Enterprise techniques.

Given a detection rule (title, description, platform and query logic), list the techniques whose behaviour the rule actually observes. Prefer the most specific sub-technique (for example T1059.001 rather than T1059) when the logic is specific enough. Do not list techniques the rule merely mentions in passing.

For each technique give:
- technique_id: the ATT&CK id, e.g. T1003.001
- name: the technique name
- confidence: 0.0-1.0, how certain you are the rule detects this technique
- quality_score: 0.0-1.0, how robust the logic is against trivial evasion
- rationale: one sentence

Respond with JSON only:
{"techniques": [{"technique_id": "...", "name": "...", "confidence": 0.0, "quality_score": 0.0, "rationale": "..."}]}`

const confidenceSystemPrompt = `You are a detection engineer. Rate how well a detection rule detects one MITRE ATT&CK technique.

Respond with JSON only: {"confidence": 0.0-1.0, "rationale": "one sentence"}`

// LLMMapper proposes and scores technique mappings with a language model
type LLMMapper struct {
	completer Completer
	logger    *logger.Logger
}

// NewLLMMapper creates a mapper backed by any completer
func NewLLMMapper(completer Completer, log *logger.Logger) *LLMMapper {
	return &LLMMapper{
		completer: completer,
		logger:    log.WithComponent("llm-mapper"),
	}
}

type mappingResponse struct {
	Techniques []struct {
		TechniqueID  string   `json:"technique_id"`
		Name         string   `json:"name"`
		Tactics      []string `json:"tactics"`
		Confidence   float64  `json:"confidence"`
		QualityScore float64  `json:"quality_score"`
		Rationale    string   `json:"rationale"`
	} `json:"techniques"`
}

// ProposeTechniques asks the model for technique candidates. Transport failures are
// returned as errors; an unparseable answer yields an unsuccessful proposal.
func (m *LLMMapper) ProposeTechniques(ctx context.Context, content string) (*models.CandidateProposal, error) {
	if strings.TrimSpace(content) == "" {
		return &models.CandidateProposal{Success: true, Candidates: []models.TechniqueCandidate{}}, nil
	}

	resp, err := m.completer.Complete(ctx, mappingSystemPrompt, "Map this detection rule:\n\n"+truncate(content, maxContentChars))
	if err != nil {
		return nil, err
	}

	var parsed mappingResponse
	if err := decodeJSON(resp.Content, &parsed); err != nil {
		m.logger.Warn().Err(err).Str("model", m.completer.Model()).Msg("failed to parse technique mapping response")
		return &models.CandidateProposal{
			Success: false,
			Errors:  []string{fmt.Sprintf("unparseable model response: %v", err)},
		}, nil
	}

	proposal := &models.CandidateProposal{
		Success:    true,
		Candidates: make([]models.TechniqueCandidate, 0, len(parsed.Techniques)),
	}
	for _, t := range parsed.Techniques {
		proposal.Candidates = append(proposal.Candidates, models.TechniqueCandidate{
			TechniqueID:  strings.ToUpper(strings.TrimSpace(t.TechniqueID)),
			Name:         t.Name,
			Tactics:      t.Tactics,
			Confidence:   t.Confidence,
			QualityScore: t.QualityScore,
			Rationale:    t.Rationale,
		})
	}
	return proposal, nil
}

// Score reuses the confidence the model attached when proposing the candidate and only
// asks again for candidates that arrived without one.
func (m *LLMMapper) Score(ctx context.Context, content string, candidate models.TechniqueCandidate) (*models.ConfidenceResult, error) {
	if candidate.Confidence > 0 {
		return &models.ConfidenceResult{Success: true, Confidence: candidate.Confidence}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Technique: %s", candidate.TechniqueID)
	if candidate.Name != "" {
		fmt.Fprintf(&sb, " (%s)", candidate.Name)
	}
	sb.WriteString("\n\nDetection rule:\n\n")
	sb.WriteString(truncate(content, maxContentChars))

	resp, err := m.completer.Complete(ctx, confidenceSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Confidence float64 `json:"confidence"`
	}
	if err := decodeJSON(resp.Content, &parsed); err != nil {
		m.logger.Debug().Err(err).Str("technique_id", candidate.TechniqueID).Msg("failed to parse confidence response")
		return &models.ConfidenceResult{Success: false}, nil
	}
	return &models.ConfidenceResult{Success: true, Confidence: parsed.Confidence}, nil
}

// decodeJSON extracts the JSON object from a model answer that may be wrapped in
// markdown fences or prose
func decodeJSON(content string, v interface{}) error {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}
