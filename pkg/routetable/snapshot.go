package routetable

import "sort"

// Snapshot is an immutable view of the registered channel identifiers and the
// distinct scopes derived from them. A Snapshot is safe for concurrent use and
// never changes after construction.
type Snapshot struct {
	channels map[string]struct{}
	scopes   map[string]struct{}
	version  uint64
}

// NewSnapshot builds a snapshot from a list of channel identifiers.
// Non-routable identifiers are ignored.
func NewSnapshot(ids ...string) *Snapshot {
	return newSnapshot(ids, 0)
}

func newSnapshot(ids []string, version uint64) *Snapshot {
	s := &Snapshot{
		channels: make(map[string]struct{}, len(ids)),
		scopes:   make(map[string]struct{}),
		version:  version,
	}
	for _, id := range ids {
		if !IsRoutable(id) {
			continue
		}
		s.channels[id] = struct{}{}
		s.scopes[ScopeOf(id)] = struct{}{}
	}
	return s
}

// NewVersionedSnapshot builds a snapshot tagged with a table version.
// Implementations of RouteTable use it when publishing a new view.
func NewVersionedSnapshot(version uint64, ids []string) *Snapshot {
	return newSnapshot(ids, version)
}

// Has reports whether the channel identifier is registered.
func (s *Snapshot) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.channels[id]
	return ok
}

// HasScope reports whether any registered channel uses the given scope.
func (s *Snapshot) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	_, ok := s.scopes[scope]
	return ok
}

// Channels returns the registered channel identifiers in sorted order.
func (s *Snapshot) Channels() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Scopes returns the distinct scopes in sorted order.
func (s *Snapshot) Scopes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered channel identifiers.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.channels)
}

// Version returns the table version this snapshot was taken at.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}
