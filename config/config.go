// Package config holds the broker configuration shared by every component of
// a process. A BrokerConfig is built once at startup and never mutated.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/rmqbus/contracts"
)

const (
	DefaultPrefetchCount = 10
	DefaultCallTimeout   = 30 * time.Second
	DefaultExpireIn      = 10 * time.Second
	DefaultReplyExpire   = 30 * time.Second
	DefaultVHost         = "/"

	// FallbackSuffix is appended to exchange and queue names to derive their
	// dead-letter siblings.
	FallbackSuffix = "_fallback"

	encryptionKeySize = 32
)

var (
	// ErrInvalidConfiguration marks every validation failure.
	ErrInvalidConfiguration = errors.New("rmqbus: invalid configuration")
)

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rmqbus: invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}

// BrokerConfig is the process-wide broker configuration.
type BrokerConfig struct {
	URLs               []string            `yaml:"urls"`
	VHost              string              `yaml:"vhost"`
	ManagementURL      string              `yaml:"managementUrl"`
	ManagementUser     string              `yaml:"managementUser"`
	ManagementPassword string              `yaml:"managementPassword"`
	PrefetchCount      int                 `yaml:"prefetchCount"`
	GlobalPrefetch     bool                `yaml:"isGlobalPrefetchCount"`
	CallTimeout        time.Duration       `yaml:"callTimeout"`
	ExpireIn           time.Duration       `yaml:"expireIn"`
	ShouldLogEvents    *bool               `yaml:"shouldLogEvents"`
	EncryptionKey      string              `yaml:"encryptionKey"`
	ReconcileInterval  time.Duration       `yaml:"reconcileInterval"`
	ReconnectDelay     time.Duration       `yaml:"reconnectDelay"`
	Exchanges          []ExchangeSpec      `yaml:"exchanges"`
	Bindings           []contracts.Binding `yaml:"bindings"`
}

// ExchangeSpec declares a primary exchange and the queues bound to it.
type ExchangeSpec struct {
	Name       string      `yaml:"name"`
	Type       string      `yaml:"type"`
	Durable    bool        `yaml:"durable"`
	AutoDelete bool        `yaml:"autoDelete"`
	Queues     []QueueSpec `yaml:"queues"`
}

// QueueSpec declares a queue. A queue with a DeadLetterExchange gets a
// fallback sibling bound to the fallback exchange.
type QueueSpec struct {
	Name                 string                 `yaml:"name"`
	Durable              bool                   `yaml:"durable"`
	AutoDelete           bool                   `yaml:"autoDelete"`
	Exclusive            bool                   `yaml:"exclusive"`
	DeadLetterExchange   string                 `yaml:"deadLetterExchange"`
	DeadLetterRoutingKey string                 `yaml:"deadLetterRoutingKey"`
	MessageTTL           time.Duration          `yaml:"messageTtl"`
	Arguments            map[string]interface{} `yaml:"arguments"`
	ConsumerDependent    bool                   `yaml:"consumerDependent"`
}

// FallbackName derives the dead-letter sibling name of an exchange or queue.
func FallbackName(name string) string {
	return name + FallbackSuffix
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c BrokerConfig) WithDefaults() BrokerConfig {
	if c.VHost == "" {
		c.VHost = DefaultVHost
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = DefaultPrefetchCount
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ExpireIn == 0 {
		c.ExpireIn = DefaultExpireIn
	}
	if c.ShouldLogEvents == nil {
		enabled := true
		c.ShouldLogEvents = &enabled
	}
	for i := range c.Exchanges {
		if c.Exchanges[i].Type == "" {
			c.Exchanges[i].Type = "direct"
		}
	}
	return c
}

// LogEvents reports whether per-message logging is enabled.
func (c BrokerConfig) LogEvents() bool {
	return c.ShouldLogEvents == nil || *c.ShouldLogEvents
}

// Queues returns every queue across all exchanges, in declaration order.
func (c BrokerConfig) Queues() []QueueSpec {
	var queues []QueueSpec
	for _, exchange := range c.Exchanges {
		queues = append(queues, exchange.Queues...)
	}
	return queues
}

// QueueNames returns the names of every configured queue.
func (c BrokerConfig) QueueNames() []string {
	queues := c.Queues()
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.Name)
	}
	return names
}

// ExchangeNames returns the names of the primary exchanges.
func (c BrokerConfig) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		names = append(names, e.Name)
	}
	return names
}

// IsMultipleQueue reports whether more than one queue is configured, in which
// case every handler binding must name its queue.
func (c BrokerConfig) IsMultipleQueue() bool {
	return len(c.Queues()) > 1
}

// Queue looks up a queue and the exchange that owns it.
func (c BrokerConfig) Queue(name string) (QueueSpec, ExchangeSpec, bool) {
	for _, exchange := range c.Exchanges {
		for _, q := range exchange.Queues {
			if q.Name == name {
				return q, exchange, true
			}
		}
	}
	return QueueSpec{}, ExchangeSpec{}, false
}

// QueuesFor returns the queues a process runs in the given mode: flagged
// queues when consumerDependent is set, unflagged queues otherwise.
func (c BrokerConfig) QueuesFor(consumerDependent bool) []string {
	var names []string
	for _, q := range c.Queues() {
		if q.ConsumerDependent == consumerDependent {
			names = append(names, q.Name)
		}
	}
	return names
}

// Key decodes the base64 encryption key. It returns nil when encryption is
// not configured.
func (c BrokerConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, &ConfigError{Field: "encryptionKey", Reason: "not valid base64"}
	}
	if len(key) != encryptionKeySize {
		return nil, &ConfigError{Field: "encryptionKey", Reason: fmt.Sprintf("must decode to %d bytes, got %d", encryptionKeySize, len(key))}
	}
	return key, nil
}

// Validate checks the structural rules that must hold before any broker call.
func (c BrokerConfig) Validate() error {
	if len(c.URLs) == 0 {
		return &ConfigError{Field: "urls", Reason: "at least one connection url is required"}
	}
	if c.PrefetchCount < 0 {
		return &ConfigError{Field: "prefetchCount", Reason: "must not be negative"}
	}
	if _, err := c.Key(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, exchange := range c.Exchanges {
		if exchange.Name == "" {
			return &ConfigError{Field: "exchanges.name", Reason: "must not be empty"}
		}
		switch exchange.Type {
		case "direct", "topic":
		default:
			return &ConfigError{Field: "exchanges." + exchange.Name + ".type", Reason: fmt.Sprintf("unsupported exchange type %q", exchange.Type)}
		}
		for _, q := range exchange.Queues {
			if q.Name == "" {
				return &ConfigError{Field: "exchanges." + exchange.Name + ".queues.name", Reason: "must not be empty"}
			}
			if seen[q.Name] {
				return &ConfigError{Field: "queues." + q.Name, Reason: "queue name must be unique"}
			}
			seen[q.Name] = true
			if q.DeadLetterExchange != "" && q.DeadLetterExchange != FallbackName(exchange.Name) {
				return &ConfigError{
					Field:  "queues." + q.Name + ".deadLetterExchange",
					Reason: fmt.Sprintf("must be %q, the fallback of exchange %q", FallbackName(exchange.Name), exchange.Name),
				}
			}
		}
	}
	return nil
}
