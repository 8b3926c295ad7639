// Package cache provides the small key/value cache used to memoize canonical-code
// lookups across workers and runs. The redis implementation is optional; Noop is
// used when caching is disabled.
package cache
