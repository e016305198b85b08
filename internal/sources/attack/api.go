package attack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
	"ruleforge-lab/pkg/logger"
)

// APISource fetches techniques one at a time from a taxonomy HTTP service exposing
// GET /techniques/{id} and GET /techniques/{id}/subtechniques
type APISource struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// StatusError is a non-2xx answer from the taxonomy service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("taxonomy service returned status %d: %s", e.StatusCode, e.Body)
}

// NewAPISource creates a new API-backed taxonomy source
func NewAPISource(baseURL string, timeout time.Duration, log *logger.Logger) *APISource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APISource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log.WithComponent("attack-api-source"),
	}
}

// FetchTechnique retrieves a single technique. 404 maps to ErrTechniqueNotFound, an
// undecodable body to ErrInvalidTechniqueData; 5xx and 429 surface as retryable errors.
func (s *APISource) FetchTechnique(ctx context.Context, id string) (*models.RawTechnique, error) {
	body, err := s.get(ctx, "/techniques/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var raw models.RawTechnique
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", coverage.ErrInvalidTechniqueData, err)
	}
	return &raw, nil
}

// ListSubtechniques retrieves the sub-technique ids of a parent
func (s *APISource) ListSubtechniques(ctx context.Context, parentID string) ([]string, error) {
	body, err := s.get(ctx, "/techniques/"+url.PathEscape(parentID)+"/subtechniques")
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("%w: %v", coverage.ErrInvalidTechniqueData, err)
	}
	return ids, nil
}

func (s *APISource) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ruleforge-lab/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", coverage.ErrTechniqueNotFound, path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		s.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("taxonomy service unavailable")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	default:
		return nil, fmt.Errorf("%w: %v", coverage.ErrInvalidTechniqueData,
			&StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
