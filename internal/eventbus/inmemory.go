package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/meshweb/pkg/eventbus"
	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

var (
	// ErrNilHandler is returned when binding without a handler
	ErrNilHandler = errors.New("handler cannot be nil")
	// ErrEmptyChannel is returned when binding to an empty channel
	ErrEmptyChannel = errors.New("channel cannot be empty")
	// ErrUnknownBinding is returned when unbinding an unknown id
	ErrUnknownBinding = errors.New("binding not found")
	// ErrClosed is returned when using a closed bus
	ErrClosed = errors.New("event bus is closed")
)

type binding struct {
	id string
	eventbus.Binding
}

// InMemoryBus implements eventbus.Bus with per-channel ordered binding lists.
// It is safe for concurrent use. Dispatch copies the binding list under a
// read lock and runs handlers without holding it, so handlers may bind and
// unbind freely.
type InMemoryBus struct {
	mu        sync.RWMutex
	byChannel map[string][]*binding // channel -> bindings in registration order
	byID      map[string]*binding
	table     routetable.RouteTable
	logger    *slog.Logger
	closed    bool
}

// NewInMemoryBus creates a bus that mirrors routable channels into table.
// table may be nil when no routing is needed.
func NewInMemoryBus(table routetable.RouteTable, logger *slog.Logger) *InMemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		byChannel: make(map[string][]*binding),
		byID:      make(map[string]*binding),
		table:     table,
		logger:    logger.With("component", "eventbus"),
	}
}

// Bind attaches a handler to a channel.
func (b *InMemoryBus) Bind(ctx context.Context, def eventbus.Binding) (string, error) {
	if def.Handler == nil {
		return "", ErrNilHandler
	}
	if def.Channel == "" {
		return "", ErrEmptyChannel
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	if b.table != nil && routetable.IsRoutable(def.Channel) {
		if err := b.table.Add(ctx, def.Channel); err != nil {
			return "", fmt.Errorf("failed to register route %s: %w", def.Channel, err)
		}
	}

	bd := &binding{id: uuid.NewString(), Binding: def}
	b.byChannel[def.Channel] = append(b.byChannel[def.Channel], bd)
	b.byID[bd.id] = bd

	b.logger.Debug("handler bound", "channel", def.Channel, "handler", def.Name, "filter", def.Filter)
	return bd.id, nil
}

// Unbind detaches a handler.
func (b *InMemoryBus) Unbind(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	bd, ok := b.byID[id]
	if !ok {
		return ErrUnknownBinding
	}

	delete(b.byID, id)
	list := b.byChannel[bd.Channel]
	kept := make([]*binding, 0, len(list))
	for _, other := range list {
		if other.id != id {
			kept = append(kept, other)
		}
	}
	if len(kept) == 0 {
		delete(b.byChannel, bd.Channel)
	} else {
		b.byChannel[bd.Channel] = kept
	}

	if b.table != nil && routetable.IsRoutable(bd.Channel) {
		if err := b.table.Remove(ctx, bd.Channel); err != nil {
			return fmt.Errorf("failed to unregister route %s: %w", bd.Channel, err)
		}
	}

	b.logger.Debug("handler unbound", "channel", bd.Channel, "handler", bd.Name)
	return nil
}

// Dispatch invokes the handlers bound to channel in registration order.
func (b *InMemoryBus) Dispatch(ctx context.Context, channel string, ev *web.Event, filtered bool) ([]any, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	// Copy so handlers can (un)bind during dispatch
	bindings := append([]*binding(nil), b.byChannel[channel]...)
	b.mu.RUnlock()

	var results []any
	for _, bd := range bindings {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		v, err := b.invoke(ctx, bd, ev)
		if err != nil {
			return results, err
		}
		if web.IsEmpty(v) {
			continue
		}

		results = append(results, v)
		if filtered || bd.Filter {
			break
		}
	}

	return results, nil
}

// invoke runs one handler, turning errors and panics into HandlerErrors.
func (b *InMemoryBus) invoke(ctx context.Context, bd *binding, ev *web.Event) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "channel", bd.Channel, "handler", bd.Name, "panic", r)
			v = nil
			err = &web.HandlerError{
				Channel: bd.Channel,
				Handler: bd.Name,
				Err:     fmt.Errorf("%w: %v", web.ErrPanic, r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	v, err = bd.Handler(ctx, ev)
	if err != nil {
		var he *web.HandlerError
		if errors.As(err, &he) {
			return nil, err
		}
		return nil, &web.HandlerError{Channel: bd.Channel, Handler: bd.Name, Err: err}
	}
	return v, nil
}

// Channels returns the channels with at least one binding, sorted.
func (b *InMemoryBus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.byChannel))
	for ch := range b.byChannel {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Close drops all bindings. Close is idempotent.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.byChannel = make(map[string][]*binding)
	b.byID = make(map[string]*binding)
	b.closed = true
	return nil
}

// Verify that InMemoryBus implements the Bus interface at compile time
var _ eventbus.Bus = (*InMemoryBus)(nil)
