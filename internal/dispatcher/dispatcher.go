// Package dispatcher implements the request pipeline: static file short
// circuit, route resolution, parameter decoding, channel dispatch and result
// interpretation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rmacdonaldsmith/meshweb/internal/forms"
	"github.com/rmacdonaldsmith/meshweb/internal/resolver"
	"github.com/rmacdonaldsmith/meshweb/internal/static"
	"github.com/rmacdonaldsmith/meshweb/pkg/eventbus"
	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

const tracerName = "github.com/rmacdonaldsmith/meshweb/internal/dispatcher"

// Config holds dispatcher configuration
type Config struct {
	// DocRoot is the static file root. Empty disables static serving.
	DocRoot string

	// Defaults are the file names tried for an empty path
	Defaults []string

	// CacheMaxAge is the cache lifetime for static responses
	CacheMaxAge time.Duration

	// MaxBodySize limits decoded request bodies
	MaxBodySize int64
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if len(c.Defaults) == 0 {
		c.Defaults = []string{"index.html"}
	}
	if c.CacheMaxAge == 0 {
		c.CacheMaxAge = static.DefaultCacheMaxAge
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = forms.DefaultMaxSize
	}
}

// Dispatcher routes one request to the handlers bound on its channel.
type Dispatcher struct {
	config  Config
	bus     eventbus.Bus
	table   routetable.RouteTable
	decoder forms.Decoder
	files   static.Server
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithDecoder replaces the form decoder.
func WithDecoder(d forms.Decoder) Option {
	return func(disp *Dispatcher) { disp.decoder = d }
}

// WithFileServer replaces the file server.
func WithFileServer(s static.Server) Option {
	return func(disp *Dispatcher) { disp.files = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = l }
}

// New creates a dispatcher that resolves against table and dispatches on bus.
func New(config Config, bus eventbus.Bus, table routetable.RouteTable, opts ...Option) *Dispatcher {
	config.SetDefaults()

	d := &Dispatcher{
		config:  config,
		bus:     bus,
		table:   table,
		decoder: forms.NewMultipartDecoder(config.MaxBodySize),
		files:   static.FileServer{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Resolve returns the channel and residual segments for req.
func (d *Dispatcher) Resolve(req *web.Request) resolver.Match {
	return resolver.Resolve(req.Path, req.Method, d.table.Snapshot())
}

// Handle is the web.Handler bound on the gateway's request channel.
//
// The result is a static *web.Response, the first usable handler result, or a
// not-found *web.HTTPError. Handler failures are returned as errors for the
// gateway to convert.
func (d *Dispatcher) Handle(ctx context.Context, ev *web.Event) (any, error) {
	req, resp := ev.Request, ev.Response

	if d.config.DocRoot != "" {
		if out, ok, err := d.serveStatic(req, resp); ok || err != nil {
			return out, err
		}
	}

	match := d.Resolve(req)
	if !match.Found {
		d.logger.Debug("no channel", "request_id", req.ID, "method", req.Method, "path", req.Path)
		return web.NotFound(req, resp), nil
	}

	req.Channel = match.Channel
	req.Args = match.Args

	params, err := url.ParseQuery(req.QueryString)
	if err != nil {
		// ParseQuery keeps every pair it could decode
		d.logger.Debug("malformed query string", "request_id", req.ID, "error", err)
	}
	req.Params = params

	if bodyMethod(req.Method) {
		if tooLarge, err := d.decodeBody(req); err != nil {
			return nil, err
		} else if tooLarge {
			return web.PayloadTooLarge(req, resp), nil
		}
	}

	results, err := d.dispatch(ctx, match, ev)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return web.NotFound(req, resp), nil
	}

	switch v := results[0].(type) {
	case string, []byte, *web.HTTPError, *web.Response:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported result type %T from %s", v, match.Channel)
	}
}

// serveStatic serves the request from DocRoot when it names an existing file.
// ok is false when the request should be routed instead.
func (d *Dispatcher) serveStatic(req *web.Request, resp *web.Response) (out any, ok bool, err error) {
	filename, err := static.Resolve(d.config.DocRoot, req.Path, d.config.Defaults)
	if err != nil {
		return nil, false, nil
	}

	static.Expires(resp, d.config.CacheMaxAge)
	served, err := d.files.Serve(req, resp, filename)
	if errors.Is(err, static.ErrNotFound) {
		return web.NotFound(req, resp), true, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("failed to serve %s: %w", filename, err)
	}

	req.Channel = "static"
	return served, true, nil
}

// decodeBody decodes the request body and merges it into req. Decoded body
// fields replace query string fields of the same name.
func (d *Dispatcher) decodeBody(req *web.Request) (tooLarge bool, err error) {
	res, err := d.decoder.Decode(req.Body, req.Headers)
	if errors.Is(err, forms.ErrMaxSizeExceeded) {
		d.logger.Info("request body too large", "request_id", req.ID, "channel", req.Channel, "limit", d.config.MaxBodySize)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if res.File != nil {
		req.File = res.File
		req.Body = res.File.Reader()
		return false, nil
	}

	for name, values := range res.Fields {
		req.Params[name] = values
	}
	req.Files = res.Files
	return false, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, match resolver.Match, ev *web.Event) ([]any, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("meshweb.channel", match.Channel),
		attribute.StringSlice("meshweb.args", match.Args),
		attribute.String("meshweb.request_id", ev.Request.ID),
	))
	defer span.End()

	results, err := d.bus.Dispatch(ctx, match.Channel, ev, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("dispatch failed", "request_id", ev.Request.ID, "channel", match.Channel, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("meshweb.results", len(results)))
	return results, nil
}

func bodyMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
