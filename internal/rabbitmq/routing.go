package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ExtractRoutingKey returns the routing key a delivery should be dispatched
// under. Dead-lettered messages carry x-death headers; the first entry holds
// the routing key the message was originally published with.
func ExtractRoutingKey(d amqp.Delivery) string {
	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return d.RoutingKey
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return d.RoutingKey
	}
	keys, ok := first["routing-keys"].([]interface{})
	if !ok || len(keys) == 0 {
		return d.RoutingKey
	}
	if key, ok := keys[0].(string); ok && key != "" {
		return key
	}
	return d.RoutingKey
}
