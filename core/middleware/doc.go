// Package middleware contains HTTP middleware for the Fiber application.
//
// # Components
//
//   - Auth: Implements API key validation to protect endpoints.
//
// Request ids come from fiber's requestid middleware, configured in the serve
// command to store the id under the "ray_id" local that logger.WithRayID reads.
package middleware
