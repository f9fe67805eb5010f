package webnode

import (
	"context"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshweb/pkg/eventbus"
	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// WebNode is a single gateway node. It orchestrates the route table, the
// event bus and the HTTP listener.
type WebNode interface {
	io.Closer

	// Start binds the node's handlers and begins serving HTTP.
	Start(ctx context.Context) error

	// Stop gracefully stops serving and removes the node's own bindings.
	// Handlers bound through Bind stay in place.
	Stop(ctx context.Context) error

	// Bind attaches a handler to a channel on the node's bus.
	Bind(ctx context.Context, channel, name string, handler web.Handler) (string, error)

	// Unbind removes a binding made with Bind.
	Unbind(ctx context.Context, id string) error

	// GetBus returns the node's event bus.
	GetBus() eventbus.Bus

	// GetRouteTable returns the node's route table.
	GetRouteTable() routetable.RouteTable

	// GetNodeID returns this node's identifier.
	GetNodeID() string

	// GetHealth returns the health status of this node.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the health of a node
type HealthStatus struct {
	Healthy  bool          `json:"healthy"`
	NodeID   string        `json:"nodeId"`
	Started  bool          `json:"started"`
	Uptime   time.Duration `json:"uptime"`
	Routes   int           `json:"routes"`
	Channels int           `json:"channels"`
	Mounts   []string      `json:"mounts"`
	Message  string        `json:"message,omitempty"`
}
