package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"citation-capture/core/cache"
	"citation-capture/core/resolver"
	"citation-capture/feature/citation"

	"go.uber.org/zap"
)

const canonicalKeyPrefix = "canonical:"

// CanonicalHTTP resolves citing bibcodes through an HTTP resolver service.
// Answers are cached.
type CanonicalHTTP struct {
	client  *http.Client
	baseURL string
	token   string
	cache   cache.Cache
	logger  *zap.Logger
}

// NewCanonicalHTTP creates a resolver for cfg.CanonicalURL. A nil cache disables caching.
func NewCanonicalHTTP(cfg resolver.Config, c cache.Cache, logger *zap.Logger) *CanonicalHTTP {
	if c == nil {
		c = cache.Noop{}
	}
	return &CanonicalHTTP{
		client:  cfg.NewHTTPClient(),
		baseURL: strings.TrimRight(cfg.CanonicalURL, "/"),
		token:   cfg.CanonicalToken,
		cache:   c,
		logger:  logger,
	}
}

// ToCanonical returns the canonical form of code. Without a configured
// resolver every code is its own canonical form.
func (r *CanonicalHTTP) ToCanonical(ctx context.Context, code string) (string, error) {
	if r.baseURL == "" {
		return code, nil
	}

	if cached, ok, err := r.cache.Get(ctx, canonicalKeyPrefix+code); err != nil {
		r.logger.Warn("Canonical cache lookup failed", zap.String("code", code), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+url.PathEscape(code), nil)
	if err != nil {
		return "", err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("canonical request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", code, citation.ErrUnknownCiting)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("canonical request failed with status: %d", resp.StatusCode)
	}

	var body struct {
		Bibcode string `json:"bibcode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid canonical response: %w", err)
	}
	if body.Bibcode == "" {
		return "", fmt.Errorf("%s: %w", code, citation.ErrUnknownCiting)
	}

	if err := r.cache.Set(ctx, canonicalKeyPrefix+code, body.Bibcode); err != nil {
		r.logger.Warn("Canonical cache write failed", zap.String("code", code), zap.Error(err))
	}
	return body.Bibcode, nil
}
