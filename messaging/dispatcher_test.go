package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmqbus/contracts"
)

func noop(ctx context.Context, msg contracts.Message) (interface{}, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	t.Run("collects deduplicated bindings in order", func(t *testing.T) {
		r := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, noop))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "order.paid"}, noop))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, noop))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "x", RoutingKey: "order.legacy"}, noop))

		assert.Equal(t, 4, r.Len())
		assert.Equal(t, []contracts.Binding{
			{Name: "order.created"},
			{Name: "order.paid"},
			{Name: "order.legacy"},
		}, r.Collect())
	})

	t.Run("rejects invalid routing keys", func(t *testing.T) {
		r := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		err := r.RegisterHandlerFunc(contracts.Pattern{Name: "order created"}, noop)
		assert.ErrorIs(t, err, contracts.ErrInvalidBinding)
		assert.Zero(t, r.Len())
	})

	t.Run("requires a channel when several queues exist", func(t *testing.T) {
		r := NewRegistry(multiQueueConfig(), WithRegistryLogger(quietLogger()))

		err := r.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, noop)
		assert.ErrorContains(t, err, "channel is required")

		err = r.RegisterHandlerFunc(contracts.Pattern{Name: "order.created", Channel: "shipping"}, noop)
		assert.ErrorContains(t, err, "not found")

		assert.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "order.created", Channel: "orders"}, noop))
	})

	t.Run("rejects nil handlers", func(t *testing.T) {
		r := NewRegistry(singleQueueConfig())
		assert.ErrorIs(t, r.RegisterHandler(contracts.Pattern{Name: "a"}, nil), ErrHandlerRequired)
	})

	t.Run("matches by routing key or name", func(t *testing.T) {
		r := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, noop, WithHandlerName("by-name")))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "created", RoutingKey: "order.created"}, noop, WithHandlerName("by-key")))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "order.paid"}, noop))

		matched := r.Match("order.created", "orders")
		require.Len(t, matched, 2)
		assert.Equal(t, "by-name", matched[0].Name)
		assert.Equal(t, "by-key", matched[1].Name)

		assert.Len(t, r.Match("created", "orders"), 1)
		assert.Empty(t, r.Match("order.unknown", "orders"))
	})

	t.Run("skips registrations of other queues", func(t *testing.T) {
		r := NewRegistry(multiQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "refund", Channel: "orders"}, noop))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "refund", Channel: "payments"}, noop))

		assert.Len(t, r.Match("refund", "orders"), 1)
		assert.Len(t, r.Match("refund", ""), 2)
	})

	t.Run("names handlers and keeps adapter kinds", func(t *testing.T) {
		r := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, r.RegisterHandler(contracts.Pattern{Name: "a"}, Event(func(ctx context.Context, v map[string]int) error { return nil })))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "a"}, noop))
		require.NoError(t, r.RegisterHandlerFunc(contracts.Pattern{Name: "a"}, noop, AsEvent()))

		matched := r.Match("a", "")
		require.Len(t, matched, 3)
		assert.Equal(t, EventHandler, matched[0].Kind)
		assert.Equal(t, "a#0", matched[0].Name)
		assert.Equal(t, RequestHandler, matched[1].Kind)
		assert.Equal(t, EventHandler, matched[2].Kind)
	})
}
