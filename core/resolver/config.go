package resolver

import (
	"net/http"
	"time"
)

// Config holds the endpoints of the external metadata collaborators.
type Config struct {
	// DataCiteURL is the DOI metadata API base.
	DataCiteURL string `mapstructure:"datacite_url" default:"https://api.datacite.org/dois"`
	// CanonicalURL resolves citing codes to canonical codes. Empty means identity.
	CanonicalURL string `mapstructure:"canonical_url" default:""`
	// CanonicalToken is sent as a bearer token to the canonical resolver.
	CanonicalToken string `mapstructure:"canonical_token" default:""`
	// PIDBaseURL is prefixed to a PID to build its liveness URL.
	PIDBaseURL string `mapstructure:"pid_base_url" default:"https://ascl.net/"`
	// GitHubAPIURL is used for repository license lookups.
	GitHubAPIURL string `mapstructure:"github_api_url" default:"https://api.github.com"`
	// TimeoutSeconds bounds every outbound call.
	TimeoutSeconds int `mapstructure:"timeout_seconds" default:"30"`
}

// Timeout returns the configured timeout, falling back to 30s.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewHTTPClient returns an http.Client bounded by the configured timeout.
func (c Config) NewHTTPClient() *http.Client {
	return &http.Client{Timeout: c.Timeout()}
}
