package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")

	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelExists         = errors.New("rabbitmq: channel already exists")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// ErrTopologyConflict is returned when the broker refuses a declaration
	// because an entity already exists with other arguments.
	ErrTopologyConflict = errors.New("rabbitmq: topology conflicts with existing broker state")

	ErrOperationCancelled = errors.New("rabbitmq: operation cancelled")
)

// ConnectionError wraps a failed dial or reconnect. URL never carries the
// password.
type ConnectionError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	msg := "rabbitmq: " + e.Op
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("%s failed after %d attempts: %v", msg, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", msg, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError wraps a failure of a managed channel
type ChannelError struct {
	Op      string
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq: %s channel %q: %v", e.Op, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to %s with key %q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s consumer %s on %s: %v", e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// TopologyError names the entity a declaration failed on. Component is one of
// exchange, queue, binding or qos.
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

func newTopologyError(component, name, op string, err error) *TopologyError {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		err = fmt.Errorf("%w: %v", ErrTopologyConflict, amqpErr)
	}
	return &TopologyError{Component: component, Name: name, Op: op, Err: err}
}

// permanent errors stop every retry loop of this package
var permanent = []error{
	config.ErrInvalidConfiguration,
	contracts.ErrInvalidBinding,
	ErrTopologyConflict,
	ErrMaxRetriesExceeded,
	ErrOperationCancelled,
	ErrManagerClosed,
}

// IsFatal reports whether retrying err can never succeed
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// SanitizeURL masks the password of a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
