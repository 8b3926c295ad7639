// Package citation maintains the registry of cited software artifacts and the
// citation edges pointing at them.
//
// A Processor consumes snapshot change records through the worker pool:
//
//   - NEW resolves the citing code, looks up or creates the target (DOIs
//     through metadata, PIDs through liveness, URLs by code-host detection),
//     emits downstream and stores the edge last.
//   - UPDATED and DELETED take the edge's row lock and are ignored unless their
//     timestamp is newer than the stored one.
//
// Concurrent creations of the same target or edge are absorbed by the unique
// keys of the store. Version linkage fans out one SiblingTask per registered
// sibling, and code-host URLs get a CodeHostTask that records liveness and the
// repository license.
//
// # Canonical codes
//
// BuildBibcode derives a 19 character code from the publication year, a
// publisher stem, the record page and the first author's initial. A recomputed
// code always keeps the year of the code it replaces; the replaced code moves to
// the alternate list and downstream sees an IsIdenticalTo event plus a
// retract/publish pair.
//
// # Maintenance
//
// ReresolveBibcodes, RefetchMetadata, ApplyCuration, ResetCuration,
// ResendRegistered and ReprocessDiscarded each return a Report with per-target
// failures.
package citation
