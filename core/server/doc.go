// Package server holds the HTTP API configuration.
//
// The serve command builds the Fiber app from this configuration; features
// register their routes through core/loader.
package server
