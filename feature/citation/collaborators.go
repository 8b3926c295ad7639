package citation

import (
	"context"
	"errors"

	"citation-capture/core/broker"
)

// ErrUnknownCiting is returned by a CanonicalResolver for citing codes it does not know.
var ErrUnknownCiting = errors.New("unknown citing record")

// MetadataResolver fetches and parses identifier metadata.
type MetadataResolver interface {
	// Fetch returns the raw metadata of a DOI. Errors are transient.
	Fetch(ctx context.Context, content string) ([]byte, error)
	// Parse extracts the structured fields of raw metadata.
	Parse(raw []byte) (Metadata, error)
}

// LivenessChecker probes cited URLs.
type LivenessChecker interface {
	IsAlive(ctx context.Context, url string) (bool, error)
	IsCodeHost(url string) bool
}

// LicenseFinder is implemented by liveness checkers that can look up the
// license of a code-host repository.
type LicenseFinder interface {
	License(ctx context.Context, url string) (string, error)
}

// CanonicalResolver maps a citing bibliographic code to its canonical form.
type CanonicalResolver interface {
	ToCanonical(ctx context.Context, code string) (string, error)
}

// Broker pushes relationship events downstream.
type Broker interface {
	Emit(ctx context.Context, event broker.Event) error
}

// SinkAction is the operation a sink record requests.
type SinkAction string

const (
	SinkPublish SinkAction = "publish"
	SinkRetract SinkAction = "retract"
)

// SinkRecord is the denormalized record of one target, keyed by its bibcode.
type SinkRecord struct {
	Action          SinkAction        `json:"action"`
	Bibcode         string            `json:"bibcode"`
	Identifier      string            `json:"identifier"`
	ContentType     string            `json:"content_type"`
	Status          Status            `json:"status"`
	Title           string            `json:"title,omitempty"`
	Authors         []string          `json:"authors,omitempty"`
	PubDate         string            `json:"pubdate,omitempty"`
	Version         string            `json:"version,omitempty"`
	Abstract        string            `json:"abstract,omitempty"`
	Keywords        []string          `json:"keywords,omitempty"`
	License         string            `json:"license,omitempty"`
	AltBibcodes     []string          `json:"alternate_bibcode,omitempty"`
	AssociatedWorks map[string]string `json:"associated_works,omitempty"`
	CitationCount   int64             `json:"citation_count"`
}

// Sink receives denormalized records.
type Sink interface {
	Forward(ctx context.Context, record SinkRecord) error
}

// IdentityResolver returns every code unchanged.
type IdentityResolver struct{}

// ToCanonical returns code.
func (IdentityResolver) ToCanonical(_ context.Context, code string) (string, error) {
	return code, nil
}

// DiscardSink drops every record.
type DiscardSink struct{}

// Forward does nothing.
func (DiscardSink) Forward(context.Context, SinkRecord) error { return nil }
