// Package resolver holds the shared configuration of the outbound metadata collaborators.
package resolver
