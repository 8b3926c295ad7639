package snapshot

import "errors"

var (
	// ErrNonMonotonic is returned when the input is not newer than the latest namespace.
	ErrNonMonotonic = errors.New("snapshot timestamp is not newer than the previous cycle")
	// ErrMalformedSnapshot is returned when the input violates the edge-list format.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrInvalidNamespace is returned for unusable namespace names or damaged namespaces.
	ErrInvalidNamespace = errors.New("invalid snapshot namespace")
)
