package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
)

// TopologyChannel is the subset of *amqp.Channel the driver needs.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

// Driver asserts the configured exchanges, queues and bindings. Every
// declaration is idempotent on the broker side; conflicting parameters make
// the broker refuse the declaration and Setup returns a fatal error.
type Driver struct {
	cfg    config.BrokerConfig
	logger *slog.Logger
}

// DriverOption configures the Driver
type DriverOption func(*Driver)

// WithDriverLogger sets the logger
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver creates a topology driver for the given configuration
func NewDriver(cfg config.BrokerConfig, options ...DriverOption) *Driver {
	d := &Driver{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// FallbackName derives the dead-letter sibling of an exchange or queue.
func FallbackName(name string) string {
	return config.FallbackName(name)
}

// Setup validates the bindings, then declares every exchange with its
// fallback, every queue whose consumer-dependent flag equals
// consumerDependent with its fallback queue, the bindings, and finally QoS.
func (d *Driver) Setup(ctx context.Context, ch TopologyChannel, bindings []contracts.Binding, consumerDependent bool) error {
	if err := contracts.ValidateBindings(bindings, d.cfg.QueueNames()); err != nil {
		return err
	}

	multipleQueues := d.cfg.IsMultipleQueue()
	for _, exchange := range d.cfg.Exchanges {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationCancelled, err)
		}
		if err := d.setupExchange(ch, exchange); err != nil {
			return err
		}
		for _, queue := range exchange.Queues {
			if queue.ConsumerDependent != consumerDependent {
				continue
			}
			keys := bindingKeys(queue.Name, bindings, multipleQueues)
			if err := d.setupQueue(ch, exchange.Name, queue.Name, queueDeclaration(queue), keys); err != nil {
				return err
			}
			if queue.DeadLetterExchange == "" {
				continue
			}
			fallbackKeys := keys
			if queue.DeadLetterRoutingKey != "" && !contains(keys, queue.DeadLetterRoutingKey) {
				fallbackKeys = append(append([]string{}, keys...), queue.DeadLetterRoutingKey)
			}
			fallback := QueueDeclaration{
				Name:       FallbackName(queue.Name),
				Durable:    queue.Durable,
				AutoDelete: queue.AutoDelete,
			}
			if err := d.setupQueue(ch, FallbackName(exchange.Name), fallback.Name, fallback, fallbackKeys); err != nil {
				return err
			}
		}
	}

	if err := ch.Qos(d.cfg.PrefetchCount, 0, d.cfg.GlobalPrefetch); err != nil {
		return newTopologyError("qos", fmt.Sprintf("prefetch=%d", d.cfg.PrefetchCount), "apply", err)
	}
	return nil
}

func (d *Driver) setupExchange(ch TopologyChannel, exchange config.ExchangeSpec) error {
	for _, name := range []string{exchange.Name, FallbackName(exchange.Name)} {
		if err := ch.ExchangeDeclare(name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, nil); err != nil {
			return newTopologyError("exchange", name, "declare", err)
		}
	}
	d.logger.Debug("exchange asserted", "exchange", exchange.Name, "type", exchange.Type)
	return nil
}

func (d *Driver) setupQueue(ch TopologyChannel, exchange, name string, decl QueueDeclaration, keys []string) error {
	if _, err := ch.QueueDeclare(name, decl.Durable, decl.AutoDelete, decl.Exclusive, false, decl.Arguments); err != nil {
		return newTopologyError("queue", name, "declare", err)
	}
	for _, key := range keys {
		if err := ch.QueueBind(name, key, exchange, false, nil); err != nil {
			return newTopologyError("binding", fmt.Sprintf("%s -> %s (%s)", exchange, name, key), "bind", err)
		}
	}
	d.logger.Debug("queue asserted", "queue", name, "exchange", exchange, "bindings", len(keys))
	return nil
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

func queueDeclaration(q config.QueueSpec) QueueDeclaration {
	var args amqp.Table
	if len(q.Arguments) > 0 || q.DeadLetterExchange != "" || q.MessageTTL > 0 {
		args = amqp.Table{}
		for k, v := range q.Arguments {
			args[k] = v
		}
		if q.DeadLetterExchange != "" {
			args["x-dead-letter-exchange"] = q.DeadLetterExchange
		}
		if q.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
		}
		if q.MessageTTL > 0 {
			args["x-message-ttl"] = int64(q.MessageTTL / time.Millisecond)
		}
	}
	return QueueDeclaration{
		Name:       q.Name,
		Durable:    q.Durable,
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
		Arguments:  args,
	}
}

// bindingKeys selects the routing keys owned by a queue. With a single
// configured queue every binding belongs to it; otherwise only bindings whose
// channel names the queue.
func bindingKeys(queue string, bindings []contracts.Binding, multipleQueues bool) []string {
	var keys []string
	for _, b := range bindings {
		if multipleQueues && b.Channel != queue {
			continue
		}
		if !contains(keys, b.Name) {
			keys = append(keys, b.Name)
		}
	}
	return keys
}

// DeclaredKeys returns the routing keys the driver binds to queue.
func (d *Driver) DeclaredKeys(queue string, bindings []contracts.Binding) []string {
	return bindingKeys(queue, bindings, d.cfg.IsMultipleQueue())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
