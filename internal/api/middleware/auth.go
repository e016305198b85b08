package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"ruleforge-lab/internal/config"
)

// ContextKey is a type for context keys
type ContextKey string

const (
	// ContextKeyAPIKey is the context key for the API key
	ContextKeyAPIKey ContextKey = "api_key"
)

// APIKeyAuth returns middleware that validates API keys sent as a Bearer token, an
// X-API-Key header or, for WebSocket upgrades, an api_key query parameter
func APIKeyAuth(cfg config.AuthConfig) func(next http.Handler) http.Handler {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for OPTIONS requests (CORS preflight)
			if !cfg.Enabled || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			apiKey, ok := extractAPIKey(r)
			if !ok {
				http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
				return
			}

			if !validKey(keys, apiKey) {
				http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyAPIKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractAPIKey(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if key := r.URL.Query().Get("api_key"); key != "" {
			return key, true
		}
	}
	return "", false
}

func validKey(keys [][]byte, candidate string) bool {
	c := []byte(candidate)
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare(k, c)
	}
	return match == 1
}

// GetAPIKey returns the API key from context
func GetAPIKey(ctx context.Context) string {
	if key, ok := ctx.Value(ContextKeyAPIKey).(string); ok {
		return key
	}
	return ""
}
