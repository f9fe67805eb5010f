// Package eventbus provides the interface for channel-based event dispatch.
//
// Handlers bind to channel identifiers. Dispatching an event on a channel
// invokes every bound handler synchronously, in registration order, and
// collects the non-empty results:
//
//	id, err := bus.Bind(ctx, eventbus.Binding{
//		Channel: "/foo:index",
//		Name:    "foo.index",
//		Handler: fooIndex,
//	})
//	if err != nil {
//		return err
//	}
//	defer bus.Unbind(ctx, id)
//
//	results, err := bus.Dispatch(ctx, "/foo:index", ev, false)
//
// In filtered mode dispatch stops at the first handler that produced a
// non-empty result. A binding marked Filter has the same effect for its own
// result regardless of the dispatch mode.
//
// Bindings on routable channels ("/scope:event") are mirrored into the route
// table, so the set of resolvable routes always reflects what is bound.
package eventbus
