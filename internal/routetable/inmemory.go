package routetable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
)

var (
	// ErrNotRoutable is returned when an identifier does not name a path scope
	ErrNotRoutable = errors.New("channel identifier is not routable")
	// ErrUnknownChannel is returned when removing an identifier that is not present
	ErrUnknownChannel = errors.New("channel identifier not registered")
	// ErrClosed is returned when mutating a closed table
	ErrClosed = errors.New("route table is closed")
)

// InMemoryRouteTable implements routetable.RouteTable with reference-counted
// identifiers and copy-on-write snapshots.
//
// Writers serialize on a mutex and publish a fresh Snapshot after every change
// to the identifier set. Readers load the current snapshot atomically and never
// block on writers.
type InMemoryRouteTable struct {
	mu       sync.Mutex
	refs     map[string]int // channel id -> binding count
	version  uint64
	snapshot atomic.Pointer[routetable.Snapshot]
	closed   bool
}

// NewInMemoryRouteTable creates an empty route table.
func NewInMemoryRouteTable() *InMemoryRouteTable {
	t := &InMemoryRouteTable{
		refs: make(map[string]int),
	}
	t.snapshot.Store(routetable.NewVersionedSnapshot(0, nil))
	return t
}

// Add registers a channel identifier or increments its reference count.
func (t *InMemoryRouteTable) Add(ctx context.Context, id string) error {
	if _, _, err := routetable.ParseChannel(id); err != nil {
		return err
	}
	if !routetable.IsRoutable(id) {
		return ErrNotRoutable
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	t.refs[id]++
	if t.refs[id] == 1 {
		t.publishLocked()
	}
	return nil
}

// Remove drops one reference to a channel identifier.
func (t *InMemoryRouteTable) Remove(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	n, ok := t.refs[id]
	if !ok {
		return ErrUnknownChannel
	}
	if n > 1 {
		t.refs[id] = n - 1
		return nil
	}

	delete(t.refs, id)
	t.publishLocked()
	return nil
}

// Snapshot returns the current immutable view of the table.
func (t *InMemoryRouteTable) Snapshot() *routetable.Snapshot {
	return t.snapshot.Load()
}

// Len returns the number of distinct registered identifiers.
func (t *InMemoryRouteTable) Len() int {
	return t.snapshot.Load().Len()
}

// Close empties the table. Close is idempotent.
func (t *InMemoryRouteTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.refs = make(map[string]int)
	t.publishLocked()
	t.closed = true
	return nil
}

// publishLocked rebuilds the snapshot from refs. Caller must hold t.mu.
func (t *InMemoryRouteTable) publishLocked() {
	ids := make([]string, 0, len(t.refs))
	for id := range t.refs {
		ids = append(ids, id)
	}
	t.version++
	t.snapshot.Store(routetable.NewVersionedSnapshot(t.version, ids))
}

// Verify that InMemoryRouteTable implements the RouteTable interface at compile time
var _ routetable.RouteTable = (*InMemoryRouteTable)(nil)
