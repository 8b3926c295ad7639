package reconcile

import (
	"context"
	"time"
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of goroutines draining the queue.
	Workers int `mapstructure:"workers" default:"50"`
	// MaxAttempts bounds redelivery of transient failures.
	MaxAttempts int `mapstructure:"max_attempts" default:"5"`
	// RetryBackoff is multiplied by the attempt number before a redelivery.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" default:"2s"`
}

// Task is one independently scheduled unit of work.
type Task interface {
	// Kind selects the handler.
	Kind() string
	// Key identifies the unit in logs, e.g. "citing|content".
	Key() string
}

// Handler processes one task. The returned error decides the outcome:
// nil, ErrStale and ErrAlreadyExists are successes, Structural errors are
// abandoned and anything else is redelivered.
type Handler func(ctx context.Context, task Task) error

// Outcome is the final classification of a unit of work.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeStale     Outcome = "stale"
	OutcomeAbsorbed  Outcome = "absorbed"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeExhausted Outcome = "exhausted"
)

// Summary provides aggregate statistics for a pool run.
type Summary struct {
	// Enqueued counts tasks accepted by Enqueue, follow-ups included.
	Enqueued int `json:"enqueued"`
	// Retried counts redeliveries after transient failures.
	Retried int `json:"retried"`
	// Outcomes counts final outcomes.
	Outcomes map[Outcome]int `json:"outcomes"`
	// ByKind counts final outcomes per task kind.
	ByKind map[string]int `json:"by_kind"`
}

// Failed returns the number of units that ended without success.
func (s Summary) Failed() int {
	return s.Outcomes[OutcomeAbandoned] + s.Outcomes[OutcomeExhausted]
}

func (s Summary) clone() Summary {
	out := Summary{
		Enqueued: s.Enqueued,
		Retried:  s.Retried,
		Outcomes: make(map[Outcome]int, len(s.Outcomes)),
		ByKind:   make(map[string]int, len(s.ByKind)),
	}
	for k, v := range s.Outcomes {
		out.Outcomes[k] = v
	}
	for k, v := range s.ByKind {
		out.ByKind[k] = v
	}
	return out
}
