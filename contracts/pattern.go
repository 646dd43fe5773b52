package contracts

import "time"

// Pattern describes a message route.
//
// On the consuming side Name (or RoutingKey when set) is the routing key a
// handler is bound to and Channel is the queue that owns the binding. On the
// publishing side Channel carries the destination routing key and Exchange
// the target exchange.
type Pattern struct {
	Name       string         `json:"name" yaml:"name"`
	RoutingKey string         `json:"routingKey,omitempty" yaml:"routingKey,omitempty"`
	Channel    string         `json:"channel,omitempty" yaml:"channel,omitempty"`
	Exchange   string         `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	Options    PublishOptions `json:"-" yaml:"-"`
}

// PublishOptions are per-publish AMQP properties.
type PublishOptions struct {
	Headers    map[string]interface{}
	Expiration time.Duration
	Persistent bool
	// ReplyExceptions asks the remote consumer to send handler errors back
	// as exception replies instead of rejecting the request.
	ReplyExceptions bool
}

// Key returns the effective routing key of a handler pattern.
func (p Pattern) Key() string {
	if p.RoutingKey != "" {
		return p.RoutingKey
	}
	return p.Name
}

// Binding returns the binding a handler pattern declares.
func (p Pattern) Binding() Binding {
	return Binding{Name: p.Key(), Channel: p.Channel}
}

// Binding associates a routing key with the queue that should receive it.
// Channel may be empty when the exchange owns a single queue.
type Binding struct {
	Name    string `json:"name" yaml:"name"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// BindingNames returns the routing keys of the given bindings.
func BindingNames(bindings []Binding) []string {
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.Name)
	}
	return names
}
