// Package management keeps the broker's bindings in line with the handlers
// registered in code. Asserting topology is idempotent and additive, so a
// routing key dropped from code stays bound until it is pruned here through
// the management HTTP API.
package management

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/metrics"
	"github.com/glimte/rmqbus/internal/rabbitmq"
)

// BindingSource supplies the bindings declared in code. *messaging.Registry
// implements it.
type BindingSource interface {
	Collect() []contracts.Binding
}

// Topology asserts topology and reports which keys it binds per queue.
// *rabbitmq.Driver implements it.
type Topology interface {
	Setup(ctx context.Context, ch rabbitmq.TopologyChannel, bindings []contracts.Binding, consumerDependent bool) error
	DeclaredKeys(queue string, bindings []contracts.Binding) []string
}

// BindingAPI reads and deletes live bindings. *monitor.ManagementClient
// implements it.
type BindingAPI interface {
	GetQueueBindings(ctx context.Context, exchange, queue string) ([]string, error)
	RemoveQueueBinding(ctx context.Context, exchange, queue, key string) error
}

// Reconciler asserts the declared topology and prunes stale bindings.
type Reconciler struct {
	cfg       config.BrokerConfig
	collector BindingSource
	topology  Topology
	api       BindingAPI
	dial      rabbitmq.Dialer
	logger    *slog.Logger
	metrics   metrics.Recorder
}

// Option configures the Reconciler
type Option func(*Reconciler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) Option {
	return func(r *Reconciler) {
		r.metrics = recorder
	}
}

// WithDialer sets how Setup connects to each broker URL
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(r *Reconciler) {
		r.dial = dial
	}
}

// NewReconciler creates a reconciler
func NewReconciler(cfg config.BrokerConfig, collector BindingSource, topology Topology, api BindingAPI, options ...Option) *Reconciler {
	r := &Reconciler{
		cfg:       cfg,
		collector: collector,
		topology:  topology,
		api:       api,
		dial:      rabbitmq.DialAMQP(cfg.VHost, "rmqbus-setup"),
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Setup collects the declared bindings, asserts the topology on every
// configured broker URL and then prunes bindings no longer declared.
func (r *Reconciler) Setup(ctx context.Context, consumerDependent bool) error {
	bindings := r.collector.Collect()
	for _, url := range r.cfg.URLs {
		if err := r.setupURL(ctx, url, bindings, consumerDependent); err != nil {
			return err
		}
	}
	return r.PruneStaleBindings(ctx, bindings)
}

func (r *Reconciler) setupURL(ctx context.Context, url string, bindings []contracts.Binding, consumerDependent bool) error {
	conn, err := r.dial(url)
	if err != nil {
		return &rabbitmq.ConnectionError{URL: rabbitmq.SanitizeURL(url), Op: "dial", Err: err}
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return &rabbitmq.ChannelError{Op: "open", Channel: "setup", Err: err}
	}
	defer ch.Close()

	if err := r.topology.Setup(ctx, ch, bindings, consumerDependent); err != nil {
		return err
	}
	r.logger.Info("topology asserted",
		"url", rabbitmq.SanitizeURL(url),
		"bindings", len(bindings),
		"consumerDependent", consumerDependent,
	)
	return nil
}

// PruneStaleBindings removes, for every configured exchange and queue, the
// live bindings whose routing key is not declared. Fallback queues are
// pruned against the same keys plus their dead-letter routing key. Every
// pair is visited even when one fails; the failures are returned joined.
func (r *Reconciler) PruneStaleBindings(ctx context.Context, declared []contracts.Binding) error {
	var errs []error
	for _, exchange := range r.cfg.Exchanges {
		for _, queue := range exchange.Queues {
			if err := ctx.Err(); err != nil {
				return err
			}

			keys := r.topology.DeclaredKeys(queue.Name, declared)
			if err := r.prune(ctx, exchange.Name, queue.Name, keys); err != nil {
				errs = append(errs, err)
			}

			if queue.DeadLetterExchange == "" {
				continue
			}
			fallbackKeys := keys
			if queue.DeadLetterRoutingKey != "" {
				fallbackKeys = append(append([]string{}, keys...), queue.DeadLetterRoutingKey)
			}
			if err := r.prune(ctx, rabbitmq.FallbackName(exchange.Name), rabbitmq.FallbackName(queue.Name), fallbackKeys); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) prune(ctx context.Context, exchange, queue string, declared []string) error {
	live, err := r.api.GetQueueBindings(ctx, exchange, queue)
	if err != nil {
		return fmt.Errorf("failed to read bindings %s -> %s: %w", exchange, queue, err)
	}

	keep := make(map[string]bool, len(declared))
	for _, key := range declared {
		keep[key] = true
	}

	removed := 0
	for _, key := range StaleKeys(live, keep) {
		if err := r.api.RemoveQueueBinding(ctx, exchange, queue, key); err != nil {
			r.metrics.BindingsPruned(exchange, queue, removed)
			return fmt.Errorf("failed to remove binding %s -> %s (%s): %w", exchange, queue, key, err)
		}
		removed++
		r.logger.Info("pruned stale binding", "exchange", exchange, "queue", queue, "routingKey", key)
	}
	r.metrics.BindingsPruned(exchange, queue, removed)
	return nil
}

// StaleKeys returns the live keys not in keep, without duplicates, in live
// order. The empty routing key is never stale: it is the implicit binding of
// the default exchange.
func StaleKeys(live []string, keep map[string]bool) []string {
	seen := make(map[string]bool, len(live))
	var stale []string
	for _, key := range live {
		if key == "" || keep[key] || seen[key] {
			continue
		}
		seen[key] = true
		stale = append(stale, key)
	}
	return stale
}

// Run prunes stale bindings every interval until ctx ends. Failures are
// logged and retried on the next tick. A non-positive interval disables the
// loop.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		r.logger.Debug("periodic reconciliation disabled")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.PruneStaleBindings(ctx, r.collector.Collect()); err != nil && ctx.Err() == nil {
				r.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}
