// Package accesslog streams one record per completed response through an
// in-process Watermill pub/sub and writes them with slog.
package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"

	"github.com/rmacdonaldsmith/meshweb/pkg/web"
)

// DefaultTopic is the topic access records are published on
const DefaultTopic = "meshweb.access"

var codec = sonic.ConfigStd

// Record is one access log entry
type Record struct {
	RequestID string        `json:"request_id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Query     string        `json:"query,omitempty"`
	Channel   string        `json:"channel,omitempty"`
	Remote    string        `json:"remote,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	Code      int           `json:"code"`
	Bytes     int           `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Received  time.Time     `json:"received"`
}

// NewRecord builds the record for a completed response
func NewRecord(req *web.Request, resp *web.Response) Record {
	r := Record{
		RequestID: req.ID,
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.QueryString,
		Channel:   req.Channel,
		Remote:    req.Remote.IP,
		UserAgent: req.Headers.Get("User-Agent"),
		Code:      resp.Code,
		Received:  req.Received,
	}
	if n := resp.Size(); n > 0 {
		r.Bytes = n
	}
	if !req.Received.IsZero() {
		r.Duration = time.Since(req.Received)
	}
	return r
}

// Encode marshals a record as JSON
func Encode(r Record) ([]byte, error) {
	return codec.Marshal(r)
}

// Decode unmarshals a JSON record
func Decode(data []byte) (Record, error) {
	var r Record
	err := codec.Unmarshal(data, &r)
	return r, err
}

// NewPubSub creates the in-process pub/sub access records travel through
func NewPubSub(logger *slog.Logger, buffer int64) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, watermill.NewSlogLogger(logger.With("component", "accesslog.pubsub")))
}

// Publisher publishes a record for every response announced on the gateway's
// response channel
type Publisher struct {
	pub    message.Publisher
	topic  string
	logger *slog.Logger
}

// NewPublisher creates a publisher on topic
func NewPublisher(pub message.Publisher, topic string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{pub: pub, topic: topic, logger: logger.With("component", "accesslog")}
}

// Handle implements web.Handler. Publish failures are logged, never returned,
// so access logging cannot affect a response.
func (p *Publisher) Handle(_ context.Context, ev *web.Event) (any, error) {
	if ev.Request == nil || ev.Response == nil {
		return nil, nil
	}

	payload, err := Encode(NewRecord(ev.Request, ev.Response))
	if err != nil {
		p.logger.Warn("failed to encode access record", "request_id", ev.Request.ID, "error", err)
		return nil, nil
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("request_id", ev.Request.ID)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		p.logger.Warn("failed to publish access record", "request_id", ev.Request.ID, "error", err)
	}
	return nil, nil
}

// Consumer writes access records to a logger
type Consumer struct {
	sub    message.Subscriber
	topic  string
	logger *slog.Logger
}

// NewConsumer creates a consumer on topic. Records are written to logger at
// info level.
func NewConsumer(sub message.Subscriber, topic string, logger *slog.Logger) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{sub: sub, topic: topic, logger: logger}
}

// Subscribe starts consuming and returns once the subscription exists. The
// returned channel is closed when consumption stops, which happens when ctx
// is cancelled or the subscriber is closed.
func (c *Consumer) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	messages, err := c.sub.Subscribe(ctx, c.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			c.write(ctx, msg)
			msg.Ack()
		}
	}()
	return done, nil
}

func (c *Consumer) write(ctx context.Context, msg *message.Message) {
	r, err := Decode(msg.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed access record", "message_uuid", msg.UUID, "error", err)
		return
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "access",
		slog.String("request_id", r.RequestID),
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.String("query", r.Query),
		slog.String("channel", r.Channel),
		slog.String("remote", r.Remote),
		slog.String("user_agent", r.UserAgent),
		slog.Int("code", r.Code),
		slog.Int("bytes", r.Bytes),
		slog.Duration("duration", r.Duration),
	)
}
