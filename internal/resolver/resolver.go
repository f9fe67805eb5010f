// Package resolver maps a request path and method to the best-matching
// channel in a route table snapshot.
//
// Resolution is longest-prefix scope matching followed by priority event
// selection. Given the channels
//
//	/:index  /foo:index  /foo:hello  /bar:GET  /bar:POST  /foo/bar/hello:index
//
// requests resolve as follows:
//
//	Method  Path                  Channel               Args
//	GET     /                     /:index               []
//	GET     /1/2/3                /:index               [1 2 3]
//	GET     /foo                  /foo:index            []
//	GET     /foo/hello            /foo:hello            []
//	GET     /foo/1/2/3            /foo:index            [1 2 3]
//	GET     /foo/hello/1/2/3      /foo:hello            [1 2 3]
//	GET     /bar                  /bar:GET              []
//	POST    /bar/1/2/3            /bar:POST             [1 2 3]
//	GET     /foo/bar/hello/1/2/3  /foo/bar/hello:index  [1 2 3]
package resolver

import (
	pathpkg "path"
	"strings"

	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
)

// Default event names tried after a literal segment name.
const (
	EventIndex   = "index"
	EventRequest = "request"
)

// Match is the result of resolving a request.
type Match struct {
	// Channel is the resolved channel identifier, empty when Found is false
	Channel string
	Found   bool
	// Args are the residual path segments (vpath)
	Args []string
}

// Resolve finds the channel for path and method. It has no side effects and
// is deterministic for a given snapshot. Not finding a channel is a normal
// outcome reported through Match.Found.
func Resolve(path, method string, snap *routetable.Snapshot) Match {
	method = strings.ToUpper(method)
	names := Segments(path)

	if len(names) == 0 {
		for _, event := range []string{EventIndex, method, EventRequest} {
			id := routetable.FormatChannel(routetable.RootScope, event)
			if snap.Has(id) {
				return Match{Channel: id, Found: true, Args: []string{}}
			}
		}
		return Match{Args: []string{}}
	}

	depth, scope, ok := deepestScope(names, snap)
	if !ok {
		return Match{Args: []string{}}
	}

	var events []string
	if depth < len(names) {
		events = []string{names[depth], EventIndex, method, EventRequest}
	} else {
		events = []string{EventIndex, method, EventRequest}
	}

	for _, event := range events {
		id := routetable.FormatChannel(scope, event)
		if !snap.Has(id) {
			continue
		}
		// A literal segment used as the event name is consumed, not residual
		if depth < len(names) && event == names[depth] {
			depth++
		}
		return Match{Channel: id, Found: true, Args: residual(names[depth:])}
	}

	return Match{Args: []string{}}
}

// deepestScope walks the segments left to right, building the scope one
// segment at a time, and returns the deepest scope present in the snapshot
// together with the number of segments it consumed. Unregistered intermediate
// scopes are skipped, so "/a/b/c" is reachable without "/a/b".
func deepestScope(names []string, snap *routetable.Snapshot) (int, string, bool) {
	var (
		found bool
		depth int
		best  string
	)

	scope := routetable.RootScope
	for i := 0; i <= len(names); i++ {
		if snap.HasScope(scope) {
			found, depth, best = true, i, scope
		}
		if i < len(names) {
			scope = routetable.JoinScope(scope, names[i])
		}
	}

	return depth, best, found
}

// Segments splits a path into its non-empty segments.
func Segments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Canonical reduces a request path to the single form that resolution and
// file serving can reach: encoded slashes decoded, dot segments removed and
// empty segments dropped. Access checks on paths must use it.
func Canonical(path string) string {
	cleaned := pathpkg.Clean("/" + slashDecoder.Replace(path))
	return "/" + strings.Join(Segments(cleaned), "/")
}

var slashDecoder = strings.NewReplacer("%2F", "/", "%2f", "/")

// residual copies the unmatched segments, decoding encoded slashes.
func residual(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = slashDecoder.Replace(n)
	}
	return out
}
