package snapshot

import "time"

// Status tags a change record.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusUpdated Status = "UPDATED"
	StatusDeleted Status = "DELETED"
)

// ContentType is the kind of cited identifier.
type ContentType string

const (
	ContentDOI ContentType = "DOI"
	ContentPID ContentType = "PID"
	ContentURL ContentType = "URL"
)

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	switch t {
	case ContentDOI, ContentPID, ContentURL:
		return true
	}
	return false
}

// Namespace state values.
const (
	StateImporting = "importing"
	StateReady     = "ready"
)

// Namespace is the registry row of one ingestion cycle.
type Namespace struct {
	Name       string    `gorm:"column:name;primaryKey;size:64"`
	ImportedAt time.Time `gorm:"column:imported_at;not null;uniqueIndex"`
	State      string    `gorm:"column:state;size:16;not null"`
	ReadOffset int64     `gorm:"column:read_offset;not null;default:0"`
	Total      int64     `gorm:"column:total;not null;default:0"`
	Edges      int64     `gorm:"column:edges;not null;default:0"`
	SourcePath string    `gorm:"column:source_path;size:1024"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName overrides the table name used by Namespace to `snapshot_namespaces`
func (Namespace) TableName() string {
	return "snapshot_namespaces"
}

// Drained reports whether every change of the namespace was dispatched.
func (n Namespace) Drained() bool {
	return n.ReadOffset >= n.Total
}

// RawRow is one verbatim input line.
type RawRow struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Bibcode string `gorm:"column:bibcode;size:64"`
	Payload string `gorm:"column:payload;type:text"`
}

// Row is one expanded edge.
type Row struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Citing    string    `gorm:"column:citing;size:64;not null"`
	Cited     string    `gorm:"column:cited;size:64;not null;default:''"`
	HasDOI    bool      `gorm:"column:has_doi;not null"`
	HasPID    bool      `gorm:"column:has_pid;not null"`
	HasURL    bool      `gorm:"column:has_url;not null"`
	Content   string    `gorm:"column:content;size:512;not null"`
	Resolved  bool      `gorm:"column:resolved;not null"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

// Change is one diff record. New* fields describe the current snapshot row and
// Previous* fields the previous one; NEW records carry empty Previous* fields and
// DELETED records empty New* fields.
type Change struct {
	ID               int64       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Status           Status      `gorm:"column:status;size:8;not null" json:"status"`
	Citing           string      `gorm:"column:citing;size:64;not null" json:"citing"`
	Content          string      `gorm:"column:content;size:512;not null" json:"content"`
	ContentType      ContentType `gorm:"column:content_type;size:8;not null" json:"content_type"`
	NewCited         string      `gorm:"column:new_cited;size:64" json:"new_cited"`
	NewResolved      bool        `gorm:"column:new_resolved" json:"new_resolved"`
	PreviousCited    string      `gorm:"column:previous_cited;size:64" json:"previous_cited"`
	PreviousResolved bool        `gorm:"column:previous_resolved" json:"previous_resolved"`
	Timestamp        time.Time   `gorm:"column:timestamp" json:"timestamp"`
	Retry            bool        `gorm:"column:retry" json:"retry"`
}

// Key identifies the edge of a change.
func (c Change) Key() string {
	return c.Citing + "|" + c.Content
}

// changeColumns are the columns a reused namespace must still have.
var changeColumns = []string{
	"id", "status", "citing", "content", "content_type",
	"new_cited", "new_resolved", "previous_cited", "previous_resolved", "timestamp", "retry",
}
