package eventbus

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// Binding attaches a handler to a channel.
type Binding struct {
	// Channel is the channel identifier, e.g. "/foo:index" or "web:request"
	Channel string

	// Name identifies the handler in logs and errors
	Name string

	Handler web.Handler

	// Filter makes a non-empty result from this handler authoritative:
	// dispatch stops after it
	Filter bool
}

// Bus dispatches events to the handlers bound on a channel.
type Bus interface {
	io.Closer

	// Bind attaches a handler and returns an identifier for Unbind.
	Bind(ctx context.Context, binding Binding) (string, error)

	// Unbind detaches a handler previously attached with Bind.
	Unbind(ctx context.Context, id string) error

	// Dispatch invokes the handlers bound to channel in registration order
	// and returns their non-empty results in the same order. A handler error
	// stops dispatch and is returned as a *web.HandlerError.
	Dispatch(ctx context.Context, channel string, ev *web.Event, filtered bool) ([]any, error)

	// Channels returns the channels that have at least one binding.
	Channels() []string
}
