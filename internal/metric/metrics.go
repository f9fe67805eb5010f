// Package metric exposes request metrics for the gateway in Prometheus form.
//
// Metrics are observed by a handler bound on the gateway's response channel
// and served by mounting Handler through the outbound gateway.
package metric

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

const namespace = "meshweb"

// UnroutedChannel labels requests that never resolved to a channel
const UnroutedChannel = "unrouted"

// Metrics contains the gateway's request metrics
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	HandlerErrors   *prometheus.CounterVec
	Routes          prometheus.GaugeFunc
}

// New creates the metrics on a private registry, along with Go runtime and
// process collectors. The route gauge reads table on every scrape.
func New(table routetable.RouteTable) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests by resolved channel and status code",
			},
			[]string{"channel", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds from receipt to response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of requests that ended in a server error",
			},
			[]string{"channel"},
		),

		Routes: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "routes",
				Help:      "Number of routable channels registered",
			},
			func() float64 {
				if table == nil {
					return 0
				}
				return float64(table.Len())
			},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.HandlerErrors,
		m.Routes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Observe records one completed response. Bind it on the gateway's response
// channel; it never contributes a result.
func (m *Metrics) Observe(_ context.Context, ev *web.Event) (any, error) {
	resp := ev.Response
	if resp == nil {
		return nil, nil
	}

	channel := UnroutedChannel
	var received time.Time
	if req := ev.Request; req != nil {
		if req.Channel != "" {
			channel = req.Channel
		}
		received = req.Received
	}

	m.RequestsTotal.WithLabelValues(channel, strconv.Itoa(resp.Code)).Inc()
	if !received.IsZero() {
		m.RequestDuration.WithLabelValues(channel).Observe(time.Since(received).Seconds())
	}
	if resp.Code >= http.StatusInternalServerError {
		m.HandlerErrors.WithLabelValues(channel).Inc()
	}
	return nil, nil
}
