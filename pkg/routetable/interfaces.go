package routetable

import (
	"context"
	"io"
)

// RouteTable tracks the set of routable channel identifiers that currently
// have at least one handler bound.
//
// The table is written by handler (un)registration and read by the resolver.
// Reads go through Snapshot, which returns an immutable view, so resolution
// never observes a half-applied mutation.
type RouteTable interface {
	io.Closer

	// Add registers a channel identifier. Adding an identifier that is
	// already present increments its reference count.
	Add(ctx context.Context, id string) error

	// Remove drops one reference to a channel identifier. The identifier
	// leaves the table when its last reference is removed.
	Remove(ctx context.Context, id string) error

	// Snapshot returns the current read-consistent view of the table.
	Snapshot() *Snapshot

	// Len returns the number of distinct identifiers in the table.
	// Useful for monitoring and metrics.
	Len() int
}
