package citation

import (
	"strings"
	"time"

	"citation-capture/core/snapshot"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status is the lifecycle state shared by targets and edges.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusDiscarded  Status = "DISCARDED"
	StatusDeleted    Status = "DELETED"
	StatusEmittable  Status = "EMITTABLE"
	// StatusSanitized is reserved for targets cleaned up by an operator.
	StatusSanitized Status = "SANITIZED"
)

// Emits reports whether downstream consumers see artifacts in this state.
func (s Status) Emits() bool {
	return s == StatusRegistered || s == StatusEmittable
}

// Metadata holds the structured fields parsed from a target's raw metadata.
// The json names are also the keys accepted by curation.
type Metadata struct {
	Title             string   `json:"title,omitempty"`
	Authors           []string `json:"authors,omitempty"`
	PubDate           string   `json:"pubdate,omitempty"`
	DocType           string   `json:"doctype,omitempty"`
	Version           string   `json:"version,omitempty"`
	VersionOf         []string `json:"version_of,omitempty"`
	Versions          []string `json:"versions,omitempty"`
	AlternateBibcodes []string `json:"alternate_bibcode,omitempty"`
	Abstract          string   `json:"abstract,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
	Publisher         string   `json:"publisher,omitempty"`
	License           string   `json:"license,omitempty"`
	LinkAlive         *bool    `json:"link_alive,omitempty"`
}

// IsSoftware reports whether the metadata describes a software artifact.
func (m Metadata) IsSoftware() bool {
	return strings.EqualFold(strings.TrimSpace(m.DocType), "software")
}

// Target is the registry entry of one cited identifier.
type Target struct {
	Content         string                                `gorm:"column:content;primaryKey;size:512"`
	ContentType     snapshot.ContentType                  `gorm:"column:content_type;size:8;not null"`
	RawMetadata     string                                `gorm:"column:raw_metadata;type:text"`
	ParsedMetadata  datatypes.JSONType[Metadata]          `gorm:"column:parsed_metadata"`
	CuratedMetadata datatypes.JSONMap                     `gorm:"column:curated_metadata"`
	CurationError   string                                `gorm:"column:curation_error;type:text"`
	Bibcode         string                                `gorm:"column:bibcode;size:19;index"`
	Status          Status                                `gorm:"column:status;size:16;not null;index"`
	Concept         string                                `gorm:"column:concept;size:512;index"`
	AssociatedWorks datatypes.JSONType[map[string]string] `gorm:"column:associated_works"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName overrides the table name used by Target to `citation_targets`
func (Target) TableName() string {
	return "citation_targets"
}

// Parsed returns the parsed metadata.
func (t *Target) Parsed() Metadata {
	return t.ParsedMetadata.Data()
}

// SetParsed replaces the parsed metadata and the concept it declares.
func (t *Target) SetParsed(m Metadata) {
	t.ParsedMetadata = datatypes.NewJSONType(m)
	t.Concept = ""
	if concepts := conceptsOf(m, t.Content); len(concepts) > 0 {
		t.Concept = concepts[0]
	}
}

// Works returns a copy of the associated works map.
func (t *Target) Works() map[string]string {
	out := make(map[string]string)
	for k, v := range t.AssociatedWorks.Data() {
		out[k] = v
	}
	return out
}

// SetWorks replaces the associated works map.
func (t *Target) SetWorks(w map[string]string) {
	if w == nil {
		w = map[string]string{}
	}
	t.AssociatedWorks = datatypes.NewJSONType(w)
}

// Citation is one citing-record to cited-identifier edge.
type Citation struct {
	ID              uint      `gorm:"primaryKey"`
	Citing          string    `gorm:"column:citing;size:64;not null;uniqueIndex:idx_citation_edge,priority:1"`
	Content         string    `gorm:"column:content;size:512;not null;uniqueIndex:idx_citation_edge,priority:2;index"`
	CitingCanonical string    `gorm:"column:citing_canonical;size:64"`
	Cited           string    `gorm:"column:cited;size:64"`
	Resolved        bool      `gorm:"column:resolved;not null"`
	Timestamp       time.Time `gorm:"column:timestamp;not null"`
	Status          Status    `gorm:"column:status;size:16;not null;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName overrides the table name used by Citation to `citations`
func (Citation) TableName() string {
	return "citations"
}

// Key identifies the edge.
func (c Citation) Key() string {
	return c.Citing + "|" + c.Content
}

// EventLog is an append-only record of an emission attempt.
type EventLog struct {
	ID        string         `gorm:"column:id;primaryKey;size:36"`
	Channel   string         `gorm:"column:channel;size:16;not null;index"`
	Action    string         `gorm:"column:action;size:32;not null"`
	Key       string         `gorm:"column:event_key;size:600"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Success   bool           `gorm:"column:success;not null"`
	Error     string         `gorm:"column:error;type:text"`
	CreatedAt time.Time
}

// TableName overrides the table name used by EventLog to `event_logs`
func (EventLog) TableName() string {
	return "event_logs"
}

// Migrate creates the registry tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Target{}, &Citation{}, &EventLog{})
}
