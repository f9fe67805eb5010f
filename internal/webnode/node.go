package webnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"

	"github.com/rmacdonaldsmith/meshweb/internal/accesslog"
	"github.com/rmacdonaldsmith/meshweb/internal/config"
	"github.com/rmacdonaldsmith/meshweb/internal/dispatcher"
	"github.com/rmacdonaldsmith/meshweb/internal/eventbus"
	"github.com/rmacdonaldsmith/meshweb/internal/gateway"
	"github.com/rmacdonaldsmith/meshweb/internal/httpapi"
	"github.com/rmacdonaldsmith/meshweb/internal/metric"
	"github.com/rmacdonaldsmith/meshweb/internal/resolver"
	"github.com/rmacdonaldsmith/meshweb/internal/routetable"
	eventbuspkg "github.com/rmacdonaldsmith/meshweb/pkg/eventbus"
	routetablepkg "github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
	"github.com/rmacdonaldsmith/meshweb/pkg/webnode"
)

// Node implements the webnode.WebNode interface.
// It owns the route table and bus, binds the gateway pipeline on Start and
// serves HTTP until Stop.
type Node struct {
	// lifecycle serializes Start, Stop and Close; mu guards state and is
	// never held while the HTTP server drains
	lifecycle sync.Mutex
	mu        sync.RWMutex
	config    *config.Config
	logger    *slog.Logger

	// Core components
	table      *routetable.InMemoryRouteTable
	bus        *eventbus.InMemoryBus
	app        *gateway.Application
	dispatcher *dispatcher.Dispatcher
	metrics    *metric.Metrics

	// Per-run state, rebuilt by Start
	server   *httpapi.Server
	listener net.Listener
	serveErr chan error
	bindings []string
	mounts   map[string]*gateway.Mounted
	pubsub   *gochannel.GoChannel
	cancel   context.CancelFunc
	logDone  <-chan struct{}

	// State management
	started   bool
	closed    bool
	startedAt time.Time
}

// New creates a node from config. Components are created but nothing is
// bound or listening until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", cfg.NodeID)

	table := routetable.NewInMemoryRouteTable()
	bus := eventbus.NewInMemoryBus(table, logger)

	n := &Node{
		config: cfg,
		logger: logger,
		table:  table,
		bus:    bus,
		app: gateway.NewApplication(bus,
			gateway.WithChannel(cfg.Channel),
			gateway.WithApplicationLogger(logger)),
		dispatcher: dispatcher.New(dispatcher.Config{
			DocRoot:     cfg.Static.Root,
			Defaults:    cfg.Static.Defaults,
			CacheMaxAge: cfg.Static.CacheMaxAge,
			MaxBodySize: cfg.MaxBodySize,
		}, bus, table, dispatcher.WithLogger(logger)),
	}
	if cfg.Metrics.Enabled {
		n.metrics = metric.New(table)
	}
	return n, nil
}

// Start binds the gateway pipeline and begins serving on the configured
// listen address.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("cannot start closed node")
	}
	if n.started {
		return nil
	}

	if err := n.wire(ctx); err != nil {
		n.unwire(ctx)
		return err
	}

	ln, err := net.Listen("tcp", n.config.Listen)
	if err != nil {
		n.unwire(ctx)
		return fmt.Errorf("failed to listen on %s: %w", n.config.Listen, err)
	}

	n.server = httpapi.NewServer(n.app, httpapi.Config{
		Addr:         n.config.Listen,
		ReadTimeout:  n.config.ReadTimeout,
		WriteTimeout: n.config.WriteTimeout,
		IdleTimeout:  n.config.IdleTimeout,
	}, n.logger)
	n.listener = ln
	n.serveErr = make(chan error, 1)
	go func(s *httpapi.Server) {
		n.serveErr <- s.Serve(ln)
	}(n.server)

	n.started = true
	n.startedAt = time.Now()
	n.logger.Info("node started", "addr", ln.Addr().String(), "routes", n.table.Len())
	return nil
}

// wire binds everything the node owns. The order of request channel
// bindings matters: the guard must see a request before the dispatcher.
func (n *Node) wire(ctx context.Context) error {
	cfg := n.config
	n.mounts = make(map[string]*gateway.Mounted)

	if err := n.app.Register(ctx); err != nil {
		return err
	}

	if cfg.Auth.Enabled {
		auth := httpapi.NewJWTAuth(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)

		rules := make([]httpapi.GuardRule, 0, len(cfg.Auth.Protected))
		for _, p := range cfg.Auth.Protected {
			rules = append(rules, httpapi.GuardRule{Prefix: p.Prefix, AdminOnly: p.Admin})
		}
		guard := httpapi.NewGuard(auth, rules)
		if err := n.bindOwn(ctx, n.app.RequestChannel(), "auth.guard", guard.Handle, false); err != nil {
			return err
		}

		login := httpapi.LoginHandler(auth, httpapi.LoginConfig{Clients: cfg.Auth.Clients, Admins: cfg.Auth.Admins})
		if err := n.bindOwn(ctx, routetablepkg.FormatChannel(cfg.Auth.LoginPath, "login"), "auth.login", login, false); err != nil {
			return err
		}
	}

	if err := n.bindOwn(ctx, n.app.RequestChannel(), "dispatcher", n.dispatcher.Handle, false); err != nil {
		return err
	}

	if err := n.bindOwn(ctx, routetablepkg.FormatChannel(cfg.HealthPath, resolver.EventIndex), "health", n.handleHealth, false); err != nil {
		return err
	}

	if n.metrics != nil {
		if err := n.bindOwn(ctx, n.app.ResponseChannel(), "metrics", n.metrics.Observe, false); err != nil {
			return err
		}
		if err := n.mountLocked(ctx, cfg.Metrics.Path, gateway.HandlerApp(n.metrics.Handler())); err != nil {
			return err
		}
	}

	if cfg.AccessLog.Enabled {
		n.pubsub = accesslog.NewPubSub(n.logger, cfg.AccessLog.Buffer)

		// the consumer outlives the Start call, so it gets its own context
		consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		n.cancel = cancel
		done, err := accesslog.NewConsumer(n.pubsub, cfg.AccessLog.Topic, n.logger).Subscribe(consumerCtx)
		if err != nil {
			return err
		}
		n.logDone = done

		pub := accesslog.NewPublisher(n.pubsub, cfg.AccessLog.Topic, n.logger)
		if err := n.bindOwn(ctx, n.app.ResponseChannel(), "accesslog", pub.Handle, false); err != nil {
			return err
		}
	}

	for _, m := range cfg.Mounts {
		app, err := gateway.RemoteApp(gateway.RemoteConfig{BaseURL: m.URL, Timeout: m.Timeout})
		if err != nil {
			return fmt.Errorf("mount %s: %w", m.Path, err)
		}
		if err := n.mountLocked(ctx, m.Path, app); err != nil {
			return err
		}
	}
	return nil
}

// unwire reverses wire. It is safe on a partially wired node.
func (n *Node) unwire(ctx context.Context) {
	var errs []error
	for _, m := range n.mounts {
		errs = append(errs, m.Unmount(ctx))
	}
	n.mounts = nil

	for i := len(n.bindings) - 1; i >= 0; i-- {
		errs = append(errs, n.bus.Unbind(ctx, n.bindings[i]))
	}
	n.bindings = nil
	errs = append(errs, n.app.Unregister(ctx))

	if n.pubsub != nil {
		errs = append(errs, n.pubsub.Close())
		if n.logDone != nil {
			select {
			case <-n.logDone:
			case <-ctx.Done():
			}
		}
		n.cancel()
		n.pubsub, n.logDone, n.cancel = nil, nil, nil
	}

	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("failed to remove node bindings", "error", err)
	}
}

func (n *Node) bindOwn(ctx context.Context, channel, name string, h web.Handler, filter bool) error {
	id, err := n.bus.Bind(ctx, eventbuspkg.Binding{Channel: channel, Name: name, Handler: h, Filter: filter})
	if err != nil {
		return fmt.Errorf("failed to bind %s on %s: %w", name, channel, err)
	}
	n.bindings = append(n.bindings, id)
	return nil
}

func (n *Node) mountLocked(ctx context.Context, path string, app gateway.App) error {
	if _, exists := n.mounts[path]; exists {
		return fmt.Errorf("path %s is already mounted", path)
	}
	m, err := gateway.Mount(ctx, n.bus, path, app, gateway.WithMountLogger(n.logger))
	if err != nil {
		return err
	}
	n.mounts[path] = m
	return nil
}

// Stop gracefully shuts down the HTTP listener and removes the node's own
// bindings. The node can be started again.
func (n *Node) Stop(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	return n.stop(ctx)
}

func (n *Node) stop(ctx context.Context) error {
	n.mu.RLock()
	started, server, serveErr := n.started, n.server, n.serveErr
	n.mu.RUnlock()

	if !started {
		return nil
	}

	// in-flight requests may read node state while the server drains
	var err error
	if serr := server.Stop(ctx); serr != nil {
		err = fmt.Errorf("failed to stop http server: %w", serr)
	} else if serr := <-serveErr; serr != nil {
		err = fmt.Errorf("http server failed: %w", serr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.unwire(ctx)
	n.server, n.listener, n.serveErr = nil, nil, nil
	n.started = false
	n.logger.Info("node stopped")
	return err
}

// Close stops the node and releases the bus and route table. A closed node
// cannot be restarted.
func (n *Node) Close() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, n.stop(ctx))

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close bus: %w", err))
	}
	if err := n.table.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close route table: %w", err))
	}

	n.closed = true
	return errors.Join(errs...)
}

// Bind attaches an application handler to channel
func (n *Node) Bind(ctx context.Context, channel, name string, handler web.Handler) (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return "", fmt.Errorf("cannot bind on closed node")
	}
	return n.bus.Bind(ctx, eventbuspkg.Binding{Channel: channel, Name: name, Handler: handler})
}

// Unbind removes a binding made with Bind
func (n *Node) Unbind(ctx context.Context, id string) error {
	return n.bus.Unbind(ctx, id)
}

// Mount binds app under path on a running node. Mounts are removed by Stop.
func (n *Node) Mount(ctx context.Context, path string, app gateway.App) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return fmt.Errorf("cannot mount on stopped node")
	}
	return n.mountLocked(ctx, path, app)
}

// Addr returns the address the node is listening on, or "" when stopped
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Handler returns the HTTP handler of the running node, or nil when stopped
func (n *Node) Handler() http.Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.server == nil {
		return nil
	}
	return n.server.Handler()
}

// GetBus returns the node's event bus.
func (n *Node) GetBus() eventbuspkg.Bus {
	return n.bus
}

// GetRouteTable returns the node's route table.
func (n *Node) GetRouteTable() routetablepkg.RouteTable {
	return n.table
}

// GetNodeID returns this node's identifier.
func (n *Node) GetNodeID() string {
	return n.config.NodeID
}

// GetHealth returns the health status of this node.
func (n *Node) GetHealth(_ context.Context) (webnode.HealthStatus, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	status := webnode.HealthStatus{
		Healthy:  n.started && !n.closed,
		NodeID:   n.config.NodeID,
		Started:  n.started,
		Mounts:   make([]string, 0, len(n.mounts)),
		Channels: len(n.bus.Channels()),
	}
	if !n.closed {
		status.Routes = n.table.Len()
	}
	if n.started {
		status.Uptime = time.Since(n.startedAt)
	}
	for path := range n.mounts {
		status.Mounts = append(status.Mounts, path)
	}
	sort.Strings(status.Mounts)

	switch {
	case n.closed:
		status.Message = "node is closed"
	case !n.started:
		status.Message = "node is stopped"
	}
	return status, nil
}

// handleHealth serves GetHealth as JSON
func (n *Node) handleHealth(ctx context.Context, ev *web.Event) (any, error) {
	health, err := n.GetHealth(ctx)
	if err != nil {
		return nil, err
	}

	body, err := sonic.Marshal(health)
	if err != nil {
		return nil, fmt.Errorf("failed to encode health: %w", err)
	}

	ev.Response.Headers.Set("Content-Type", "application/json")
	ev.Response.Headers.Set("Cache-Control", "no-store")
	if !health.Healthy {
		ev.Response.SetStatus(http.StatusServiceUnavailable, "")
	}
	return body, nil
}

// Verify that Node implements the WebNode interface at compile time
var _ webnode.WebNode = (*Node)(nil)
