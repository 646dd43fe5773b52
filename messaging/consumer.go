package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/jsoncodec"
	"github.com/glimte/rmqbus/internal/metrics"
	"github.com/glimte/rmqbus/internal/rabbitmq"
)

// ChannelManager hands out managed channels. *rabbitmq.ConnectionManager
// implements it.
type ChannelManager interface {
	CreateChannel(ctx context.Context, name string, setup rabbitmq.SetupFunc) (*rabbitmq.ManagedChannel, error)
	CloseChannel(name string) error
}

// ReplyChannel publishes RPC replies.
type ReplyChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// ConsumerTag names the consumer of a queue.
func ConsumerTag(queue string) string {
	return strings.ToUpper(queue) + "_CONSUMER"
}

// Consumer dispatches the deliveries of one queue to the matching handlers
// of a Registry. Every delivery is acknowledged exactly once: acked when all
// handlers succeed or nothing matches, rejected otherwise.
type Consumer struct {
	conn     ChannelManager
	queue    string
	registry *Registry
	bus      *MessageBus

	setup           rabbitmq.SetupFunc
	requeue         bool
	logEvents       bool
	replyExpiration time.Duration
	handlerTimeout  time.Duration
	tag             string
	logger          *slog.Logger
	metrics         metrics.Recorder
	tracer          trace.Tracer

	mu        sync.Mutex
	listening bool
	channel   *rabbitmq.ManagedChannel
	wg        sync.WaitGroup
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRequeue sets the requeue flag used when a message is rejected
func WithRequeue(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = requeue
	}
}

// WithTopology runs setup on the consumer channel before every consume
// registration, so topology is re-asserted after reconnects.
func WithTopology(setup rabbitmq.SetupFunc) ConsumerOption {
	return func(c *Consumer) {
		c.setup = setup
	}
}

// WithLogEvents toggles per-message info logs
func WithLogEvents(enabled bool) ConsumerOption {
	return func(c *Consumer) {
		c.logEvents = enabled
	}
}

// WithReplyExpiration sets the expiration of replies to requests that carry none
func WithReplyExpiration(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.replyExpiration = d
	}
}

// WithHandlerTimeout bounds the handling of one message. Zero means no bound.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = d
	}
}

// WithConsumerTag overrides the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.tag = tag
	}
}

// WithConsumerMetrics sets the metrics recorder
func WithConsumerMetrics(recorder metrics.Recorder) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = recorder
	}
}

// WithConsumerTracer sets the tracer
func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		c.tracer = tracer
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(conn ChannelManager, queue string, registry *Registry, bus *MessageBus, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:            conn,
		queue:           queue,
		registry:        registry,
		bus:             bus,
		logEvents:       true,
		replyExpiration: config.DefaultReplyExpire,
		tag:             ConsumerTag(queue),
		logger:          slog.Default(),
		metrics:         metrics.Nop{},
		tracer:          defaultTracer(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// Listen opens the consumer channel and starts consuming. The consume
// registration is repeated after every reconnect.
func (c *Consumer) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return ErrConsumerListening
	}
	c.listening = true
	c.mu.Unlock()

	mc, err := c.conn.CreateChannel(ctx, c.queue, c.consume)
	if err != nil {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		return &rabbitmq.ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.tag,
			Op:          "listen",
			Err:         err,
		}
	}

	c.mu.Lock()
	c.channel = mc
	c.mu.Unlock()

	c.logger.Info("consumer started", "queue", c.queue, "consumerTag", c.tag)
	return nil
}

func (c *Consumer) consume(ctx context.Context, ch rabbitmq.Channel) error {
	if c.setup != nil {
		if err := c.setup(ctx, ch); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return &rabbitmq.ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.tag,
			Op:          "consume",
			Err:         err,
		}
	}

	c.wg.Add(1)
	go c.processMessages(ch, deliveries)
	return nil
}

// processMessages handles deliveries in broker order until the channel closes.
func (c *Consumer) processMessages(ch rabbitmq.Channel, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for d := range deliveries {
		_ = c.HandleDelivery(context.Background(), ch, d)
	}
	c.logger.Debug("delivery channel closed", "queue", c.queue)
}

// Close cancels the consumer and closes its channel. In-flight messages
// finish first. Close is idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	mc := c.channel
	c.channel = nil
	c.listening = false
	c.mu.Unlock()

	if mc == nil {
		return nil
	}
	if ch, err := mc.Channel(); err == nil {
		if err := ch.Cancel(c.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", "queue", c.queue, "error", err)
		}
	}
	err := c.conn.CloseChannel(c.queue)
	c.wg.Wait()

	c.logger.Info("consumer stopped", "queue", c.queue)
	return err
}

// HandleDelivery dispatches one delivery and settles it. The returned error
// is nil when the message was acknowledged.
func (c *Consumer) HandleDelivery(ctx context.Context, ch ReplyChannel, d amqp.Delivery) error {
	return c.handle(ctx, ch, d, c.requeue)
}

func (c *Consumer) handle(ctx context.Context, ch ReplyChannel, d amqp.Delivery, requeue bool) error {
	start := time.Now()

	if isEmptyBody(d.Body) {
		c.logger.Info("an empty message received", "queue", c.queue, "messageId", d.MessageId)
		c.ack(d)
		c.metrics.MessageHandled(c.queue, d.RoutingKey, metrics.OutcomeEmpty, time.Since(start))
		return nil
	}

	routingKey := rabbitmq.ExtractRoutingKey(d)
	ctx = extractTrace(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, "consume "+routingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message.id", d.MessageId),
		),
	)
	defer span.End()

	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	if c.logEvents {
		c.logger.Info("message received",
			"queue", c.queue,
			"routingKey", routingKey,
			"messageId", d.MessageId,
			"redelivered", d.Redelivered,
		)
	}

	msg, err := c.bus.Unwrap(d.Body)
	if err != nil {
		return c.fail(span, d, routingKey, requeue, start, err)
	}

	registrations := c.registry.Match(routingKey, c.queue)
	if len(registrations) == 0 {
		c.ack(d)
		c.logger.Warn("there are no handlers for the message, passing through",
			"queue", c.queue,
			"routingKey", routingKey,
			"messageId", d.MessageId,
		)
		c.metrics.UnmatchedRoutingKey(c.queue, routingKey)
		c.metrics.MessageHandled(c.queue, routingKey, metrics.OutcomeUnmatched, time.Since(start))
		return nil
	}

	results, err := c.dispatch(ctx, routingKey, registrations, msg)
	if isRequest(d) {
		switch {
		case err == nil:
			err = c.replyResults(ctx, ch, d, results)
		case wantsExceptionReply(d):
			c.logger.Error("handler failed, replying with exception",
				"queue", c.queue,
				"routingKey", routingKey,
				"correlationId", d.CorrelationId,
				"error", err,
			)
			span.RecordError(err)
			err = c.replyException(ctx, ch, d, err)
		}
	}
	if err != nil {
		return c.fail(span, d, routingKey, requeue, start, err)
	}

	c.ack(d)
	c.metrics.MessageHandled(c.queue, routingKey, metrics.OutcomeAcked, time.Since(start))
	return nil
}

func (c *Consumer) fail(span trace.Span, d amqp.Delivery, routingKey string, requeue bool, start time.Time, err error) error {
	c.logger.Error("failed to handle message",
		"queue", c.queue,
		"routingKey", routingKey,
		"messageId", d.MessageId,
		"requeue", requeue,
		"error", err,
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if rejectErr := d.Reject(requeue); rejectErr != nil {
		c.logger.Error("failed to reject message", "error", rejectErr, "originalError", err)
	}
	c.metrics.MessageHandled(c.queue, routingKey, metrics.OutcomeRejected, time.Since(start))
	return err
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "queue", c.queue, "error", err)
	}
}

// dispatch runs every matching handler concurrently. The first failure
// cancels the others and fails the whole message.
func (c *Consumer) dispatch(ctx context.Context, routingKey string, registrations []Registration, msg contracts.Message) ([]interface{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]interface{}, len(registrations))
	errs := make([]error, len(registrations))

	var wg sync.WaitGroup
	for i, reg := range registrations {
		wg.Add(1)
		go func(i int, reg Registration) {
			defer wg.Done()
			result, err := invoke(ctx, reg, msg)
			if err != nil {
				errs[i] = &HandlerError{RoutingKey: routingKey, Handler: reg.Name, Err: err}
				cancel()
				return
			}
			results[i] = result
		}(i, reg)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	replies := make([]interface{}, 0, len(registrations))
	for i, reg := range registrations {
		if reg.Kind == RequestHandler {
			replies = append(replies, results[i])
		}
	}
	return replies, nil
}

func invoke(ctx context.Context, reg Registration, msg contracts.Message) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: string(debug.Stack())}
		}
	}()
	return reg.Handler.Handle(ctx, msg)
}

func (c *Consumer) replyResults(ctx context.Context, ch ReplyChannel, d amqp.Delivery, results []interface{}) error {
	body, err := jsoncodec.Marshal(results)
	if err != nil {
		return err
	}
	return c.publishReply(ctx, ch, d, body, "")
}

func (c *Consumer) replyException(ctx context.Context, ch ReplyChannel, d amqp.Delivery, cause error) error {
	reply := contracts.ExceptionReply{Message: cause.Error()}
	var panicErr *PanicError
	if errors.As(cause, &panicErr) {
		reply.Stack = panicErr.Stack
	}
	body, err := jsoncodec.Marshal(reply)
	if err != nil {
		return err
	}
	return c.publishReply(ctx, ch, d, body, contracts.ReplyTypeException)
}

func (c *Consumer) publishReply(ctx context.Context, ch ReplyChannel, d amqp.Delivery, body []byte, kind string) error {
	expiration := d.Expiration
	if expiration == "" {
		expiration = strconv.FormatInt(c.replyExpiration.Milliseconds(), 10)
	}
	err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Expiration:    expiration,
		Type:          kind,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return &rabbitmq.PublishError{Exchange: "", RoutingKey: d.ReplyTo, Err: err}
	}
	return nil
}

// ProcessFallback takes one message from the queue's fallback sibling and
// dispatches it under its original routing key. A failed message is
// requeued on the fallback queue. It reports whether a message was found.
func (c *Consumer) ProcessFallback(ctx context.Context) (bool, error) {
	name := rabbitmq.FallbackName(c.queue)
	mc, err := c.conn.CreateChannel(ctx, name, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := c.conn.CloseChannel(name); err != nil {
			c.logger.Warn("failed to close fallback channel", "queue", name, "error", err)
		}
	}()

	ch, err := mc.Channel()
	if err != nil {
		return false, err
	}
	d, ok, err := ch.Get(name, false)
	if err != nil {
		return false, &rabbitmq.ConsumerError{Queue: name, Op: "get", Err: err}
	}
	if !ok {
		c.logger.Info("fallback queue is empty", "queue", name)
		return false, nil
	}
	return true, c.handle(ctx, ch, d, true)
}

func isEmptyBody(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isRequest(d amqp.Delivery) bool {
	return d.ReplyTo != "" && d.CorrelationId != ""
}

func wantsExceptionReply(d amqp.Delivery) bool {
	v, ok := d.Headers[contracts.HeaderReplyExceptions].(bool)
	return ok && v
}
