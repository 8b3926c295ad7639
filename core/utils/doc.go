// Package utils holds loose conversions for values decoded from JSON payloads.
package utils
