package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/ids"
	"github.com/glimte/rmqbus/internal/metrics"
	"github.com/glimte/rmqbus/internal/rabbitmq"
)

// clientBase holds what Publisher and RPCClient share: a lazily created
// managed channel and the publish path.
type clientBase struct {
	conn      ChannelManager
	bus       *MessageBus
	name      string
	logEvents bool
	logger    *slog.Logger
	metrics   metrics.Recorder
	tracer    trace.Tracer
	kind      string

	callTimeout time.Duration
	expireIn    time.Duration

	mu      sync.Mutex
	channel *rabbitmq.ManagedChannel
	closed  bool
}

// PublisherOption configures a Publisher or an RPCClient
type PublisherOption func(*clientBase)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *clientBase) {
		c.logger = logger
	}
}

// WithPublisherLogEvents toggles per-publish info logs
func WithPublisherLogEvents(enabled bool) PublisherOption {
	return func(c *clientBase) {
		c.logEvents = enabled
	}
}

// WithPublisherMetrics sets the metrics recorder
func WithPublisherMetrics(recorder metrics.Recorder) PublisherOption {
	return func(c *clientBase) {
		c.metrics = recorder
	}
}

// WithPublisherTracer sets the tracer
func WithPublisherTracer(tracer trace.Tracer) PublisherOption {
	return func(c *clientBase) {
		c.tracer = tracer
	}
}

// WithCallTimeout sets how long an RPC request waits for its reply
func WithCallTimeout(d time.Duration) PublisherOption {
	return func(c *clientBase) {
		c.callTimeout = d
	}
}

// WithRequestExpiration sets the expiration of RPC requests that do not
// carry their own
func WithRequestExpiration(d time.Duration) PublisherOption {
	return func(c *clientBase) {
		c.expireIn = d
	}
}

// WithChannelName sets the managed channel name
func WithChannelName(name string) PublisherOption {
	return func(c *clientBase) {
		c.name = name
	}
}

func (c *clientBase) init(conn ChannelManager, bus *MessageBus, kind string, options []PublisherOption) {
	c.conn = conn
	c.bus = bus
	c.name = kind + "." + ids.CorrelationID()
	c.logEvents = true
	c.logger = slog.Default()
	c.metrics = metrics.Nop{}
	c.tracer = defaultTracer()
	c.kind = kind
	c.callTimeout = config.DefaultCallTimeout
	c.expireIn = config.DefaultExpireIn
	for _, opt := range options {
		opt(c)
	}
}

// acquire returns the live channel, creating the managed channel on first use.
func (c *clientBase) acquire(ctx context.Context, setup rabbitmq.SetupFunc) (rabbitmq.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	mc := c.channel
	if mc == nil {
		var err error
		mc, err = c.conn.CreateChannel(ctx, c.name, setup)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.channel = mc
	}
	c.mu.Unlock()
	return mc.Channel()
}

// close tears down the managed channel. It is idempotent.
func (c *clientBase) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mc := c.channel
	c.channel = nil
	c.mu.Unlock()

	if mc == nil {
		return nil
	}
	return c.conn.CloseChannel(mc.Name())
}

func (c *clientBase) publish(ctx context.Context, ch rabbitmq.Channel, pattern contracts.Pattern, msg contracts.Message, pub amqp.Publishing, suppressLog bool) error {
	routingKey := pattern.Channel
	if routingKey == "" {
		return fmt.Errorf("%w: %s", ErrMissingChannel, msg.Name)
	}

	ctx, span := c.tracer.Start(ctx, c.kind+" "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", pattern.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		),
	)
	defer span.End()

	body, err := c.bus.Wrap(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	pub.Body = body
	pub.ContentType = "application/json"
	pub.Timestamp = time.Now()
	if pub.MessageId == "" {
		pub.MessageId = ids.MessageID()
	}
	applyOptions(&pub, pattern.Options)
	injectTrace(ctx, pub.Headers)
	span.SetAttributes(attribute.String("messaging.message.id", pub.MessageId))

	err = ch.PublishWithContext(ctx, pattern.Exchange, routingKey, false, false, pub)
	c.metrics.Published(pattern.Exchange, routingKey, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &rabbitmq.PublishError{
			Exchange:   pattern.Exchange,
			RoutingKey: routingKey,
			Err:        err,
		}
	}

	if c.logEvents && !suppressLog {
		c.logger.Info("message published",
			"kind", c.kind,
			"exchange", pattern.Exchange,
			"routingKey", routingKey,
			"messageId", pub.MessageId,
			"correlationId", pub.CorrelationId,
		)
	}
	return nil
}

func applyOptions(pub *amqp.Publishing, opts contracts.PublishOptions) {
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.ReplyExceptions {
		headers[contracts.HeaderReplyExceptions] = true
	}
	pub.Headers = headers

	if opts.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}
	if opts.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
}

// Publisher sends fire-and-forget messages.
type Publisher struct {
	clientBase
}

// NewPublisher creates a publisher. Its channel is opened on first Send.
func NewPublisher(conn ChannelManager, bus *MessageBus, options ...PublisherOption) *Publisher {
	p := &Publisher{}
	p.init(conn, bus, "publish", options)
	return p
}

// Send publishes msg to pattern.Exchange with pattern.Channel as routing key.
func (p *Publisher) Send(ctx context.Context, pattern contracts.Pattern, msg contracts.Message, suppressLog bool) error {
	if pattern.Channel == "" {
		return fmt.Errorf("%w: %s", ErrMissingChannel, msg.Name)
	}
	ch, err := p.acquire(ctx, nil)
	if err != nil {
		return err
	}
	return p.publish(ctx, ch, pattern, msg, amqp.Publishing{}, suppressLog)
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	return p.close()
}
