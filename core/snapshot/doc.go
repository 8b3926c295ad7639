// Package snapshot ingests periodic citation edge-list snapshots and derives the
// change set between consecutive ones.
//
// Each snapshot lives in its own namespace, a group of tables named after the
// snapshot timestamp (snapshot_YYYYMMDD_HHMMSS). A cycle imports the raw lines,
// expands the JSON payloads, collapses duplicate (citing, content) keys in favour
// of resolved rows, validates the result and diffs it against the previous
// namespace into an ordered NEW/UPDATED/DELETED change table.
//
// Namespaces are immutable once ready. A cycle for an existing timestamp reuses
// the namespace, a timestamp not newer than the latest one is rejected, and a
// failed cycle drops whatever it created. The newest Config.Retain ready
// namespaces are kept.
//
// When a Reconstructor is supplied, the previous namespace is also compared with
// the registry's own view of the edge set. Edges that were never reflected, or
// whose cited or resolved values diverge, are appended to the new change set as
// retries. Edges the registry deleted are reported but never retried.
//
// # Usage Example
//
//	engine := snapshot.NewEngine(db, cfg.Snapshot, logger, snapshot.WithReconstructor(store))
//	cycle, err := engine.RunFile(ctx, "citations.tsv", false)
//	it, err := engine.Store().Iterator(ctx, cycle.Namespace.Name, cfg.Snapshot.ChunkSize)
package snapshot
