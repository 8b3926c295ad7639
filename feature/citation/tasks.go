package citation

import (
	"citation-capture/core/reconcile"
	"citation-capture/core/snapshot"
)

// Task kinds handled by the Processor.
const (
	KindChange   = "change"
	KindSibling  = "sibling"
	KindCodeHost = "codehost"
)

// ChangeTask processes one snapshot change record.
type ChangeTask struct {
	Change snapshot.Change
}

// NewChangeTask wraps a change for the worker pool.
func NewChangeTask(c snapshot.Change) reconcile.Task {
	return ChangeTask{Change: c}
}

func (t ChangeTask) Kind() string { return KindChange }
func (t ChangeTask) Key() string  { return string(t.Change.Status) + " " + t.Change.Key() }

// SiblingTask lists Source under Label with Bibcode in Sibling's associated works.
type SiblingTask struct {
	Sibling string
	Source  string
	Label   string
	Bibcode string
}

func (t SiblingTask) Kind() string { return KindSibling }
func (t SiblingTask) Key() string  { return t.Sibling + " <- " + t.Source }

// CodeHostTask rechecks a code-host URL target and records its license.
type CodeHostTask struct {
	Content string
}

func (t CodeHostTask) Kind() string { return KindCodeHost }
func (t CodeHostTask) Key() string  { return t.Content }
