package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/rmacdonaldsmith/meshweb/pkg/eventbus"
	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// DefaultChannel is the bus channel prefix used by an Application.
const DefaultChannel = "web"

// Application is the inbound gateway. Each Call dispatches a request event on
// "<channel>:request" with first-result-wins semantics and converts the
// outcome into exactly one finalized response.
type Application struct {
	channel string
	bus     eventbus.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	bindings []string
}

// ApplicationOption customizes an Application.
type ApplicationOption func(*Application)

// WithChannel sets the bus channel prefix.
func WithChannel(channel string) ApplicationOption {
	return func(a *Application) { a.channel = channel }
}

// WithApplicationLogger sets the logger.
func WithApplicationLogger(l *slog.Logger) ApplicationOption {
	return func(a *Application) { a.logger = l }
}

// NewApplication creates an inbound gateway on bus. Register must be called
// before the first Call.
func NewApplication(bus eventbus.Bus, opts ...ApplicationOption) *Application {
	a := &Application{
		channel: DefaultChannel,
		bus:     bus,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "gateway", "channel", a.channel)
	return a
}

// Channel returns the bus channel prefix.
func (a *Application) Channel() string { return a.channel }

// RequestChannel is the channel request events are dispatched on.
func (a *Application) RequestChannel() string {
	return routetable.FormatChannel(a.channel, web.EventRequest)
}

// ResponseChannel is the channel completed responses are announced on.
func (a *Application) ResponseChannel() string {
	return routetable.FormatChannel(a.channel, web.EventResponse)
}

// ErrorChannel is the channel error results are offered on for custom
// rendering.
func (a *Application) ErrorChannel() string {
	return routetable.FormatChannel(a.channel, web.EventHTTPError)
}

// Register binds the application's own response handler, which marks each
// announced response as done.
func (a *Application) Register(ctx context.Context) error {
	id, err := a.bus.Bind(ctx, eventbus.Binding{
		Channel: a.ResponseChannel(),
		Name:    "gateway.response",
		Handler: func(_ context.Context, ev *web.Event) (any, error) {
			ev.Response.MarkDone()
			return nil, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to bind response handler: %w", err)
	}

	a.mu.Lock()
	a.bindings = append(a.bindings, id)
	a.mu.Unlock()
	return nil
}

// Unregister removes the bindings made by Register.
func (a *Application) Unregister(ctx context.Context) error {
	a.mu.Lock()
	ids := a.bindings
	a.bindings = nil
	a.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := a.bus.Unbind(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Call implements App. The start callback is invoked exactly once with the
// final status line and headers, and the finalized body is returned as a
// single chunk. Call itself never fails: every failure becomes an error
// response.
func (a *Application) Call(ctx context.Context, env web.Environ, start StartResponse) (body [][]byte, err error) {
	req, resp := NewRequest(env)

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("error handling panicked", "request_id", req.ID, "panic", r)
			RenderError(resp, web.ServerError(req, resp, fmt.Sprintf("%v\n\n%s", r, debug.Stack())))
		}

		data, ferr := resp.Finalize()
		if ferr != nil {
			a.logger.Error("failed to finalize response", "request_id", req.ID, "error", ferr)
			RenderError(resp, web.ServerError(req, resp, ferr.Error()))
			data, _ = resp.Finalize()
		}

		start(resp.StatusLine(), resp.Headers.Items())
		body, err = [][]byte{data}, nil
	}()

	a.process(ctx, req, resp)
	return nil, nil
}

// process runs the request through the bus and interprets the first result.
// Failures and panics are converted to a server error here so error handling
// runs with the bus still usable.
func (a *Application) process(ctx context.Context, req *web.Request, resp *web.Response) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("request panicked", "request_id", req.ID, "panic", r)
			a.handleError(ctx, resp, web.ServerError(req, resp, fmt.Sprintf("%v\n\n%s", r, debug.Stack())))
		}
	}()

	results, err := a.bus.Dispatch(ctx, a.RequestChannel(), web.NewRequestEvent(req, resp), true)
	if err != nil {
		a.logger.Error("request failed", "request_id", req.ID, "path", req.Path, "error", err)
		a.handleError(ctx, resp, web.ServerError(req, resp, traceback(err)))
		return
	}

	if len(results) == 0 {
		a.handleError(ctx, resp, web.NotFound(req, resp))
		return
	}

	switch v := results[0].(type) {
	case string:
		resp.SetBody(v)
		a.respond(ctx, resp)
	case []byte:
		resp.SetBody(v)
		a.respond(ctx, resp)
	case *web.HTTPError:
		a.handleError(ctx, resp, v)
	case *web.Response:
		if v != resp {
			resp.Code, resp.Reason, resp.Headers, resp.Body = v.Code, v.Reason, v.Headers, v.Body
		}
		a.respond(ctx, resp)
	default:
		err := fmt.Errorf("unsupported result type %T", v)
		a.logger.Error("request failed", "request_id", req.ID, "path", req.Path, "error", err)
		a.handleError(ctx, resp, web.ServerError(req, resp, err.Error()))
	}
}

// handleError renders herr and offers it on the error channel. A string
// result replaces the body; an *HTTPError result replaces the error.
func (a *Application) handleError(ctx context.Context, resp *web.Response, herr *web.HTTPError) {
	if herr.Request == nil {
		herr.Request = resp.Request
	}
	if herr.Response == nil {
		herr.Response = resp
	}
	RenderError(resp, herr)

	ev := &web.Event{Name: web.EventHTTPError, Request: herr.Request, Response: resp, Error: herr}
	results, err := a.bus.Dispatch(ctx, a.ErrorChannel(), ev, true)
	if err != nil {
		a.logger.Error("error handler failed", "request_id", resp.Request.ID, "code", herr.Code, "error", err)
	} else if len(results) > 0 {
		switch v := results[0].(type) {
		case string:
			resp.Body = v
		case []byte:
			resp.Body = v
		case *web.HTTPError:
			RenderError(resp, v)
		default:
			a.logger.Warn("ignoring error handler result", "request_id", resp.Request.ID, "type", fmt.Sprintf("%T", v))
		}
	}

	a.respond(ctx, resp)
}

// respond announces the completed response. Content-Length is set first for
// bodies whose size is already known.
func (a *Application) respond(ctx context.Context, resp *web.Response) {
	if n := resp.Size(); n >= 0 && !resp.Gzip {
		resp.Headers.Set("Content-Length", strconv.Itoa(n))
	}
	ev := &web.Event{Name: web.EventResponse, Request: resp.Request, Response: resp}
	if _, err := a.bus.Dispatch(ctx, a.ResponseChannel(), ev, false); err != nil {
		a.logger.Error("response handler failed", "request_id", resp.Request.ID, "error", err)
	}
	resp.MarkDone()
}

func traceback(err error) string {
	var he *web.HandlerError
	if errors.As(err, &he) && he.Stack != "" {
		return err.Error() + "\n\n" + he.Stack
	}
	return err.Error()
}

// Verify that Application implements App at compile time
var _ App = (*Application)(nil)
