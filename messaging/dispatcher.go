package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
)

// Registration is one handler bound to a routing pattern.
type Registration struct {
	Pattern contracts.Pattern
	Handler Handler
	Kind    HandlerKind
	Name    string
}

// HandlerOption configures a registration
type HandlerOption func(*Registration)

// AsEvent marks the handler as an event handler
func AsEvent() HandlerOption {
	return func(r *Registration) {
		r.Kind = EventHandler
	}
}

// AsRequest marks the handler as a request handler
func AsRequest() HandlerOption {
	return func(r *Registration) {
		r.Kind = RequestHandler
	}
}

// WithHandlerName names the handler in logs and errors
func WithHandlerName(name string) HandlerOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// Registry is the handler table of a process and the source of the
// bindings it must declare.
type Registry struct {
	queues        []string
	mu            sync.RWMutex
	registrations []Registration
	logger        *slog.Logger
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry validating channels against the queues of cfg
func NewRegistry(cfg config.BrokerConfig, options ...RegistryOption) *Registry {
	r := &Registry{
		queues: cfg.QueueNames(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// RegisterHandler binds h to pattern. The routing key and channel are
// validated here so a misconfigured process fails before touching the broker.
func (r *Registry) RegisterHandler(pattern contracts.Pattern, h Handler, options ...HandlerOption) error {
	if h == nil {
		return ErrHandlerRequired
	}
	if err := contracts.ValidateBindingName(pattern.Key()); err != nil {
		return err
	}
	if err := contracts.ValidateBindingChannel(pattern.Binding(), r.queues); err != nil {
		return err
	}

	reg := Registration{
		Pattern: pattern,
		Handler: h,
		Kind:    RequestHandler,
	}
	if k, ok := h.(kindedHandler); ok {
		reg.Kind = k.kind()
	}
	for _, opt := range options {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg.Name == "" {
		reg.Name = fmt.Sprintf("%s#%d", pattern.Key(), len(r.registrations))
	}
	r.registrations = append(r.registrations, reg)

	r.logger.Debug("registered message handler",
		"routingKey", pattern.Key(),
		"channel", pattern.Channel,
		"kind", reg.Kind.String(),
		"handler", reg.Name,
	)
	return nil
}

// RegisterHandlerFunc registers a function as a request handler
func (r *Registry) RegisterHandlerFunc(pattern contracts.Pattern, fn HandlerFunc, options ...HandlerOption) error {
	return r.RegisterHandler(pattern, fn, options...)
}

// Collect returns the deduplicated bindings of every registered handler, in
// registration order.
func (r *Registry) Collect() []contracts.Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[contracts.Binding]bool, len(r.registrations))
	bindings := make([]contracts.Binding, 0, len(r.registrations))
	for _, reg := range r.registrations {
		b := reg.Pattern.Binding()
		if seen[b] {
			continue
		}
		seen[b] = true
		bindings = append(bindings, b)
	}
	return bindings
}

// Match returns the registrations whose routing key or name equals
// routingKey. When queue is set, registrations qualified with another
// queue are skipped.
func (r *Registry) Match(routingKey, queue string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Registration
	for _, reg := range r.registrations {
		p := reg.Pattern
		if p.RoutingKey != routingKey && p.Name != routingKey {
			continue
		}
		if queue != "" && p.Channel != "" && p.Channel != queue {
			continue
		}
		matched = append(matched, reg)
	}
	return matched
}

// Len returns the number of registrations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registrations)
}
