// Package routetable provides the channel identifier syntax and the route
// table abstraction used to resolve requests to handlers.
//
// This package defines the core abstractions for the meshweb route table:
//   - Channel identifiers of the form "scope:event"
//   - Snapshot: an immutable, read-consistent view of the registered channels
//   - RouteTable: interface for tracking which channels currently have handlers
//
// A scope is a path beginning with "/". The root scope is exactly "/"; deeper
// scopes are "/a", "/a/b" and never carry a trailing slash. The event is a bare
// name such as "index", an HTTP method, "request", or a literal path segment.
//
// Example usage:
//
//	// Register channels as handlers are bound
//	err := table.Add(ctx, "/foo:index")
//	if err != nil {
//		return err
//	}
//
//	// Take a snapshot and resolve against it without holding any lock
//	snap := table.Snapshot()
//	if snap.HasScope("/foo") && snap.Has("/foo:index") {
//		...
//	}
//
// The table changes over the process lifetime as handlers attach and detach.
// Readers never observe a table mid-mutation: every mutation publishes a new
// Snapshot and readers keep whatever snapshot they loaded.
package routetable
