// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rmqbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/health"
	"github.com/glimte/rmqbus/internal/metrics"
	"github.com/glimte/rmqbus/internal/rabbitmq"
	"github.com/glimte/rmqbus/management"
	"github.com/glimte/rmqbus/messaging"
	"github.com/glimte/rmqbus/monitor"
)

var (
	// ErrBusClosed is returned by every operation after Close
	ErrBusClosed = errors.New("rmqbus: bus is closed")
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("rmqbus: consumers already started")
	// ErrManagementNotConfigured is returned by operations that need the
	// management HTTP API when no management URL is configured
	ErrManagementNotConfigured = errors.New("rmqbus: management api not configured")
	// ErrUnknownQueue is returned for a queue missing from the configuration
	ErrUnknownQueue = errors.New("rmqbus: unknown queue")
)

// Bus owns the broker connection and everything built on it: the handler
// registry, consumers, publisher, RPC client and binding reconciler. One Bus
// is meant to live for the whole process.
type Bus struct {
	cfg               config.BrokerConfig
	logger            *slog.Logger
	consumerDependent bool

	conn       *rabbitmq.ConnectionManager
	driver     *rabbitmq.Driver
	registry   *messaging.Registry
	codec      *messaging.MessageBus
	publisher  *messaging.Publisher
	rpc        *messaging.RPCClient
	api        *monitor.ManagementClient
	reconciler *management.Reconciler
	health     *health.Registry
	metrics    metrics.Recorder
	tracer     trace.Tracer

	mu        sync.Mutex
	consumers map[string]*messaging.Consumer
	started   bool
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// options holds Bus construction settings
type options struct {
	logger            *slog.Logger
	dialer            rabbitmq.Dialer
	registerer        prometheus.Registerer
	tracer            trace.Tracer
	httpClient        *http.Client
	consumerDependent bool
	connectionName    string
}

// Option configures the Bus
type Option func(*options)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() Option {
	return func(o *options) {
		o.logger = slog.Default()
	}
}

// WithConsumerDependent selects the consumer-dependent queues: only queues
// flagged consumerDependent are asserted and consumed by default.
func WithConsumerDependent(enabled bool) Option {
	return func(o *options) {
		o.consumerDependent = enabled
	}
}

// WithRegisterer sets the Prometheus registerer for the bus metrics
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// WithTracer sets the tracer used around publish, request and dispatch
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithHTTPClient sets the HTTP client of the management API
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// management UI
func WithConnectionName(name string) Option {
	return func(o *options) {
		o.connectionName = name
	}
}

// WithDialer replaces how broker connections are opened
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dialer = dial
	}
}

// New validates cfg and wires the bus. No connection is opened until
// Connect, Start, Send or Request.
func New(cfg config.BrokerConfig, opts ...Option) (*Bus, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		logger:         slog.Default(),
		connectionName: "rmqbus",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		o.dialer = rabbitmq.DialAMQP(cfg.VHost, o.connectionName)
	}

	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	codec, err := messaging.NewMessageBus(key)
	if err != nil {
		return nil, err
	}

	m := metrics.New(o.registerer)
	if err := m.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithDialer(o.dialer),
	}
	if cfg.ReconnectDelay > 0 {
		connOpts = append(connOpts, rabbitmq.WithReconnectDelay(cfg.ReconnectDelay))
	}

	b := &Bus{
		cfg:               cfg,
		logger:            o.logger,
		consumerDependent: o.consumerDependent,
		conn:              rabbitmq.NewConnectionManager(cfg.URLs, connOpts...),
		driver:            rabbitmq.NewDriver(cfg, rabbitmq.WithDriverLogger(o.logger)),
		registry:          messaging.NewRegistry(cfg, messaging.WithRegistryLogger(o.logger)),
		codec:             codec,
		health:            health.NewRegistry(),
		metrics:           m,
		tracer:            o.tracer,
		consumers:         make(map[string]*messaging.Consumer),
	}

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(o.logger),
		messaging.WithPublisherLogEvents(cfg.LogEvents()),
		messaging.WithPublisherMetrics(m),
		messaging.WithCallTimeout(cfg.CallTimeout),
		messaging.WithRequestExpiration(cfg.ExpireIn),
	}
	if o.tracer != nil {
		pubOpts = append(pubOpts, messaging.WithPublisherTracer(o.tracer))
	}
	b.publisher = messaging.NewPublisher(b.conn, codec, pubOpts...)
	b.rpc = messaging.NewRPCClient(b.conn, codec, pubOpts...)

	b.health.Register(health.NewConnectionChecker(b.conn))
	b.health.SetMetadata("vhost", cfg.VHost)

	if cfg.ManagementURL != "" {
		clientOpts := []monitor.ClientOption{monitor.WithClientLogger(o.logger)}
		if o.httpClient != nil {
			clientOpts = append(clientOpts, monitor.WithHTTPClient(o.httpClient))
		}
		api, err := monitor.FromConfig(cfg, clientOpts...)
		if err != nil {
			return nil, err
		}
		b.api = api
		b.reconciler = management.NewReconciler(cfg, b, b.driver, api,
			management.WithLogger(o.logger),
			management.WithMetrics(m),
			management.WithDialer(o.dialer),
		)
		b.health.Register(health.NewManagementChecker(api))
	}

	return b, nil
}

// Config returns the effective configuration
func (b *Bus) Config() config.BrokerConfig {
	return b.cfg
}

// Register binds a handler to pattern
func (b *Bus) Register(pattern contracts.Pattern, h messaging.Handler, opts ...messaging.HandlerOption) error {
	return b.registry.RegisterHandler(pattern, h, opts...)
}

// Collect returns the bindings of the registered handlers followed by the
// static bindings of the configuration, without duplicates.
func (b *Bus) Collect() []contracts.Binding {
	bindings := b.registry.Collect()
	seen := make(map[contracts.Binding]bool, len(bindings)+len(b.cfg.Bindings))
	for _, binding := range bindings {
		seen[binding] = true
	}
	for _, binding := range b.cfg.Bindings {
		if seen[binding] {
			continue
		}
		seen[binding] = true
		bindings = append(bindings, binding)
	}
	return bindings
}

// Connect opens the broker connection
func (b *Bus) Connect(ctx context.Context) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if b.conn.IsConnected() {
		return nil
	}
	return b.conn.Connect(ctx)
}

// Start connects, asserts the topology and starts one consumer per queue.
// Without queues it consumes every queue of the selected mode. Periodic
// reconciliation starts as well when an interval is configured.
func (b *Bus) Start(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		queues = b.cfg.QueuesFor(b.consumerDependent)
	}
	for _, queue := range queues {
		if _, _, ok := b.cfg.Queue(queue); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	var listening []*messaging.Consumer
	abort := func(err error) error {
		for _, c := range listening {
			if cerr := c.Close(); cerr != nil {
				b.logger.Warn("failed to stop consumer", "error", cerr)
			}
		}
		cancel()
		b.mu.Lock()
		b.started = false
		b.cancel = nil
		b.mu.Unlock()
		return err
	}

	if err := b.Connect(ctx); err != nil {
		return abort(err)
	}

	for _, queue := range queues {
		consumer := b.consumer(queue)
		if err := consumer.Listen(ctx); err != nil {
			return abort(err)
		}
		listening = append(listening, consumer)
	}
	if b.api != nil {
		b.health.Register(health.NewQueueChecker(b.api, queues...))
	}

	if b.reconciler != nil && b.cfg.ReconcileInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.reconciler.Run(runCtx, b.cfg.ReconcileInterval); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("reconciliation loop stopped", "error", err)
			}
		}()
	}

	b.logger.Info("bus started", "queues", queues, "consumerDependent", b.consumerDependent)
	return nil
}

// consumer returns the consumer of queue, creating it on first use
func (b *Bus) consumer(queue string) *messaging.Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.consumers[queue]; ok {
		return c
	}

	opts := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(b.logger),
		messaging.WithLogEvents(b.cfg.LogEvents()),
		messaging.WithConsumerMetrics(b.metrics),
		messaging.WithTopology(b.assertTopology),
	}
	if b.tracer != nil {
		opts = append(opts, messaging.WithConsumerTracer(b.tracer))
	}
	c := messaging.NewConsumer(b.conn, queue, b.registry, b.codec, opts...)
	b.consumers[queue] = c
	return c
}

func (b *Bus) assertTopology(ctx context.Context, ch rabbitmq.Channel) error {
	return b.driver.Setup(ctx, ch, b.Collect(), b.consumerDependent)
}

// Send publishes payload under pattern.Name to pattern.Exchange with
// pattern.Channel as the routing key.
func (b *Bus) Send(ctx context.Context, pattern contracts.Pattern, payload interface{}) error {
	msg, err := contracts.NewMessage(pattern.Name, payload)
	if err != nil {
		return err
	}
	return b.SendMessage(ctx, pattern, msg, false)
}

// SendMessage publishes an already built message. suppressLog silences the
// publish log line for this call only.
func (b *Bus) SendMessage(ctx context.Context, pattern contracts.Pattern, msg contracts.Message, suppressLog bool) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	return b.publisher.Send(ctx, pattern, msg, suppressLog)
}

// Request publishes payload as an RPC request and waits for the reply
func (b *Bus) Request(ctx context.Context, pattern contracts.Pattern, payload interface{}) (json.RawMessage, error) {
	msg, err := contracts.NewMessage(pattern.Name, payload)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b.rpc.Request(ctx, pattern, msg, false)
}

// Setup asserts the topology on every configured URL and prunes stale
// bindings. Without a management API the topology is asserted on the bus
// connection and pruning is skipped.
func (b *Bus) Setup(ctx context.Context) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if b.reconciler != nil {
		return b.reconciler.Setup(ctx, b.consumerDependent)
	}

	b.logger.Warn("management api not configured, stale bindings are not pruned")
	if err := b.Connect(ctx); err != nil {
		return err
	}
	const name = "topology.setup"
	if _, err := b.conn.CreateChannel(ctx, name, b.assertTopology); err != nil {
		return err
	}
	return b.conn.CloseChannel(name)
}

// Reconcile prunes the bindings that no registered handler declares anymore
func (b *Bus) Reconcile(ctx context.Context) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if b.reconciler == nil {
		return ErrManagementNotConfigured
	}
	return b.reconciler.PruneStaleBindings(ctx, b.Collect())
}

// ProcessFallback dispatches one message from the fallback queue of queue.
// It reports whether a message was found.
func (b *Bus) ProcessFallback(ctx context.Context, queue string) (bool, error) {
	q, _, ok := b.cfg.Queue(queue)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if q.DeadLetterExchange == "" {
		return false, fmt.Errorf("%w: %s has no fallback queue", ErrUnknownQueue, queue)
	}
	if err := b.Connect(ctx); err != nil {
		return false, err
	}
	return b.consumer(queue).ProcessFallback(ctx)
}

// Management returns the management API client, nil when not configured
func (b *Bus) Management() *monitor.ManagementClient {
	return b.api
}

// Health returns the health registry
func (b *Bus) Health() *health.Registry {
	return b.health
}

// HealthHandler serves the health report over HTTP
func (b *Bus) HealthHandler(timeout time.Duration) http.Handler {
	return health.NewHandler(b.health, timeout)
}

// State returns the connection state
func (b *Bus) State() rabbitmq.State {
	return b.conn.State()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops the consumers and the reconciliation loop, then closes the
// RPC client, the publisher and the connection. It is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel := b.cancel
	consumers := make([]*messaging.Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", c.Queue(), err))
		}
	}
	if err := b.rpc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
