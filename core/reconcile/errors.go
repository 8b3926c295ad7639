package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrStale marks a change whose timestamp is not newer than the stored one.
	// It is a success outcome: nothing is mutated and nothing is redelivered.
	ErrStale = errors.New("stale change")

	// ErrAlreadyExists marks a create that lost a race against another worker.
	// It is a success outcome.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPoolClosed is returned by Enqueue once the pool is closed.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrIncomplete is returned by Dispatch when a chunk could not be fully
	// processed. The cursor stays before that chunk.
	ErrIncomplete = errors.New("chunk not fully processed")
)

// structuralError marks a unit of work whose input can never succeed.
type structuralError struct {
	err error
}

func (e *structuralError) Error() string { return e.err.Error() }
func (e *structuralError) Unwrap() error { return e.err }

// Structural wraps err so the pool abandons the unit without retry.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &structuralError{err: err}
}

// Structuralf is Structural(fmt.Errorf(format, args...)).
func Structuralf(format string, args ...any) error {
	return Structural(fmt.Errorf(format, args...))
}

// IsStructural reports whether err was marked with Structural.
func IsStructural(err error) bool {
	var se *structuralError
	return errors.As(err, &se)
}

// IsTransient reports whether err should cause redelivery. Every error that is not
// structural, stale or an absorbed race is transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsStructural(err) && !errors.Is(err, ErrStale) && !errors.Is(err, ErrAlreadyExists)
}
