package rabbitmq_test

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/glimte/rmqbus/internal/rabbitmq"
)

func TestExtractRoutingKey(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
		want     string
	}{
		{
			name:     "plain delivery uses its routing key",
			delivery: amqp.Delivery{RoutingKey: "order.event.created"},
			want:     "order.event.created",
		},
		{
			name: "dead-lettered delivery uses the first x-death routing key",
			delivery: amqp.Delivery{
				RoutingKey: "order-service_fallback",
				Headers: amqp.Table{
					"x-death": []interface{}{
						amqp.Table{
							"queue":        "order-service",
							"reason":       "rejected",
							"routing-keys": []interface{}{"order.event.created"},
						},
						amqp.Table{
							"routing-keys": []interface{}{"something.else"},
						},
					},
				},
			},
			want: "order.event.created",
		},
		{
			name: "empty x-death falls back to the routing key",
			delivery: amqp.Delivery{
				RoutingKey: "order.event.paid",
				Headers:    amqp.Table{"x-death": []interface{}{}},
			},
			want: "order.event.paid",
		},
		{
			name: "malformed x-death falls back to the routing key",
			delivery: amqp.Delivery{
				RoutingKey: "order.event.paid",
				Headers:    amqp.Table{"x-death": "nonsense"},
			},
			want: "order.event.paid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rabbitmq.ExtractRoutingKey(tt.delivery))
		})
	}
}
