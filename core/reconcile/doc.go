// Package reconcile schedules reconciliation work: a dispatcher drains a change
// sequence and a worker pool runs one unit of work per change.
//
// # Delivery semantics
//
// Units for the same identifier may run concurrently on different workers. The pool gives
// at-least-once execution within a process:
//   - Transient failures (network, metadata fetch) are redelivered with linear backoff
//     until Config.MaxAttempts is reached.
//   - Structural failures (see Structural) are abandoned immediately.
//   - ErrStale and ErrAlreadyExists are successes: the unit observed newer state or
//     lost a harmless race.
//
// Handlers may enqueue follow-up tasks (for example sibling version updates); the
// queue is unbounded so a worker never blocks on its own fan-out, and Wait covers
// follow-ups as well.
//
// # Dispatch
//
// Dispatch reads a Source chunk by chunk. The source's cursor is committed once
// every task of the chunk, follow-ups included, is final. A crash therefore
// redelivers at most one chunk, and the handlers must be idempotent. A chunk
// holding a task that exhausted its attempts is left uncommitted and Dispatch
// returns ErrIncomplete.
//
// # Usage Example
//
//	pool := reconcile.NewPool(cfg.Worker, logger)
//	pool.Handle("change", processor.HandleChange)
//	pool.Start(ctx)
//
//	n, err := reconcile.Dispatch(ctx, iterator, pool, citation.NewChangeTask)
//	pool.Close()
//	summary := pool.Summary()
package reconcile
