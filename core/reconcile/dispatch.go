package reconcile

import (
	"context"
	"fmt"
)

// Source is a finite, restartable sequence read one chunk at a time.
// Commit advances the durable read cursor past n consumed items.
type Source[T any] interface {
	Next(ctx context.Context) ([]T, error)
	Commit(ctx context.Context, n int) error
}

// Dispatch drains src into pool, wrapping each item as a task. After each chunk
// is enqueued it waits until every task, follow-ups included, is final and only
// then commits the cursor, so a crash redelivers at most the in-flight chunk.
// A chunk with an exhausted task is not committed: Dispatch stops with
// ErrIncomplete and the next drain redelivers it. Cancelling ctx stops dispatch
// at the next chunk boundary. It returns the number of committed items.
//
// The pool must not be shared with another producer while Dispatch runs.
func Dispatch[T any](ctx context.Context, src Source[T], pool *Pool, wrap func(T) Task) (int, error) {
	dispatched := 0
	for {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		chunk, err := src.Next(ctx)
		if err != nil {
			return dispatched, fmt.Errorf("failed to read change chunk: %w", err)
		}
		if len(chunk) == 0 {
			return dispatched, nil
		}

		before := pool.Summary().Outcomes[OutcomeExhausted]
		for _, item := range chunk {
			if err := pool.Enqueue(ctx, wrap(item)); err != nil {
				pool.Wait()
				return dispatched, fmt.Errorf("failed to enqueue change: %w", err)
			}
		}
		pool.Wait()

		if exhausted := pool.Summary().Outcomes[OutcomeExhausted] - before; exhausted > 0 {
			return dispatched, fmt.Errorf("%w: %d tasks of the chunk at item %d exhausted their attempts",
				ErrIncomplete, exhausted, dispatched)
		}

		if err := src.Commit(ctx, len(chunk)); err != nil {
			return dispatched, fmt.Errorf("failed to commit cursor: %w", err)
		}
		dispatched += len(chunk)
	}
}
