package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"citation-capture/core/resolver"

	"go.uber.org/zap"
)

var codeHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}

// HTTPLiveness probes URLs over HTTP and looks up GitHub repository licenses.
type HTTPLiveness struct {
	client    *http.Client
	githubAPI string
	logger    *zap.Logger
}

// NewHTTPLiveness creates a liveness checker. Redirects are not followed; a
// redirect answer already proves the link alive.
func NewHTTPLiveness(cfg resolver.Config, logger *zap.Logger) *HTTPLiveness {
	client := cfg.NewHTTPClient()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPLiveness{
		client:    client,
		githubAPI: strings.TrimRight(cfg.GitHubAPIURL, "/"),
		logger:    logger,
	}
}

// IsAlive reports whether target answers with 2xx or 3xx. A 4xx answer means
// dead; 5xx answers and network errors are returned as errors.
func (l *HTTPLiveness) IsAlive(ctx context.Context, target string) (bool, error) {
	status, err := l.probe(ctx, http.MethodHead, target)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = l.probe(ctx, http.MethodGet, target)
	}
	if err != nil {
		return false, fmt.Errorf("liveness check of %s failed: %w", target, err)
	}

	switch {
	case status < 400:
		return true, nil
	case status < 500:
		l.logger.Debug("Link is dead", zap.String("url", target), zap.Int("status", status))
		return false, nil
	default:
		return false, fmt.Errorf("liveness check of %s failed with status: %d", target, status)
	}
}

func (l *HTTPLiveness) probe(ctx context.Context, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// IsCodeHost reports whether target points at a known code hosting service.
func (l *HTTPLiveness) IsCodeHost(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range codeHosts {
		if host == h {
			return true
		}
	}
	return false
}

// License returns the SPDX id of a GitHub repository's license. Other hosts,
// and repositories without a detected license, yield "".
func (l *HTTPLiveness) License(ctx context.Context, target string) (string, error) {
	owner, repo, ok := githubRepo(target)
	if !ok {
		return "", nil
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/license", l.githubAPI, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("license lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("license lookup failed with status: %d", resp.StatusCode)
	}

	var body struct {
		License struct {
			SPDXID string `json:"spdx_id"`
		} `json:"license"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid license response: %w", err)
	}
	if body.License.SPDXID == "NOASSERTION" {
		return "", nil
	}
	return body.License.SPDXID, nil
}

// githubRepo extracts owner and repository from a github.com URL.
func githubRepo(target string) (string, string, bool) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", false
	}
	if strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.") != "github.com" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), true
}
