package broker

import (
	"time"

	"github.com/google/uuid"
)

// Relationship names the kind of link an event describes.
type Relationship string

const (
	// RelationshipCites links a citing record to the cited artifact.
	RelationshipCites Relationship = "Cites"
	// RelationshipIsIdenticalTo links two canonical codes that denote the same work.
	RelationshipIsIdenticalTo Relationship = "IsIdenticalTo"
)

// Action is the lifecycle change of a relationship.
type Action string

const (
	ActionCreated Action = "created"
	ActionDeleted Action = "deleted"
)

// Event is a relationship change pushed to downstream consumers.
type Event struct {
	ID           string       `json:"id"`
	Relationship Relationship `json:"relationship"`
	Action       Action       `json:"action"`
	Source       string       `json:"source"`
	Target       string       `json:"target"`
	TargetType   string       `json:"target_type"`
	TargetCode   string       `json:"target_code,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// EventType is the header value describing the event, e.g. "Cites.created".
func (e Event) EventType() string {
	return string(e.Relationship) + "." + string(e.Action)
}

// Key identifies the relationship independently of the action, so consumers can
// partition created/deleted pairs together.
func (e Event) Key() string {
	return e.Source + "|" + e.Target
}

// NewEvent fills the id and timestamp of a relationship event.
func NewEvent(rel Relationship, action Action, source, target, targetType string, at time.Time) Event {
	return Event{
		ID:           uuid.NewString(),
		Relationship: rel,
		Action:       action,
		Source:       source,
		Target:       target,
		TargetType:   targetType,
		Timestamp:    at.UTC(),
	}
}
