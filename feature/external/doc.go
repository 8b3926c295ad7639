// Package external implements the outbound collaborators of the citation
// registry: the DataCite metadata resolver, the HTTP liveness checker, the
// canonical bibcode resolver and the object storage record sink.
//
// Every HTTP collaborator uses a client bounded by resolver.timeout_seconds.
// Failures other than the documented terminal answers are returned as plain
// errors, which the worker pool treats as transient.
package external
