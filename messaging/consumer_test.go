package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/jsoncodec"
	"github.com/glimte/rmqbus/internal/metrics"
	"github.com/glimte/rmqbus/internal/rabbitmq/rabbitmqtest"
)

func newUnitConsumer(t *testing.T, registry *Registry, bus *MessageBus, opts ...ConsumerOption) (*Consumer, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]ConsumerOption{WithConsumerLogger(quietLogger()), WithConsumerMetrics(rec)}, opts...)
	return NewConsumer(nil, "orders", registry, bus, opts...), rec
}

func TestConsumerHandleDelivery(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t, nil)

	t.Run("acks empty bodies without dispatch", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		c, rec := newUnitConsumer(t, registry, bus)

		for _, body := range [][]byte{nil, []byte("null"), []byte("  ")} {
			acker := &rabbitmqtest.Acker{}
			err := c.HandleDelivery(ctx, nil, amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body})
			require.NoError(t, err)
			acked, rejected := acker.Counts()
			assert.Equal(t, 1, acked)
			assert.Zero(t, rejected)
		}
		assert.Equal(t, []metrics.Outcome{metrics.OutcomeEmpty, metrics.OutcomeEmpty, metrics.OutcomeEmpty}, rec.Outcomes())
	})

	t.Run("acks unmatched messages", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		c, rec := newUnitConsumer(t, registry, bus)

		acker := &rabbitmqtest.Acker{}
		d := wireDelivery(t, bus, "order.unknown", mustMessage(t, "order.unknown", map[string]string{}), acker)
		require.NoError(t, c.HandleDelivery(ctx, nil, d))

		acked, _ := acker.Counts()
		assert.Equal(t, 1, acked)
		assert.Equal(t, []string{"order.unknown"}, rec.unmatched)
		assert.Equal(t, []metrics.Outcome{metrics.OutcomeUnmatched}, rec.Outcomes())
	})

	t.Run("dispatches to every matching handler", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		var calls atomic.Int32
		handler := func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			calls.Add(1)
			return nil, nil
		}
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, handler))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, handler))
		c, rec := newUnitConsumer(t, registry, bus)

		acker := &rabbitmqtest.Acker{}
		d := wireDelivery(t, bus, "order.created", mustMessage(t, "order.created", map[string]string{"id": "1"}), acker)
		require.NoError(t, c.HandleDelivery(ctx, nil, d))

		assert.Equal(t, int32(2), calls.Load())
		acked, rejected := acker.Counts()
		assert.Equal(t, 1, acked)
		assert.Zero(t, rejected)
		assert.Equal(t, []metrics.Outcome{metrics.OutcomeAcked}, rec.Outcomes())
	})

	t.Run("routes dead-lettered messages by their original key", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		var got string
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			got = msg.Name
			return nil, nil
		}))
		c, _ := newUnitConsumer(t, registry, bus)

		acker := &rabbitmqtest.Acker{}
		d := wireDelivery(t, bus, "dlq.key", mustMessage(t, "order.created", map[string]string{}), acker)
		d.Headers = amqp.Table{
			"x-death": []interface{}{
				amqp.Table{"routing-keys": []interface{}{"order.created"}, "queue": "orders"},
			},
		}
		require.NoError(t, c.HandleDelivery(ctx, nil, d))
		assert.Equal(t, "order.created", got)
	})

	t.Run("one failing handler rejects the message and cancels the others", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		cancelled := make(chan struct{})
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			select {
			case <-ctx.Done():
				close(cancelled)
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return nil, nil
			}
		}))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, errors.New("stock service unavailable")
		}, WithHandlerName("stock")))
		c, rec := newUnitConsumer(t, registry, bus, WithRequeue(true))

		acker := &rabbitmqtest.Acker{}
		d := wireDelivery(t, bus, "order.created", mustMessage(t, "order.created", map[string]string{}), acker)
		err := c.HandleDelivery(ctx, nil, d)
		require.Error(t, err)

		var handlerErr *HandlerError
		require.ErrorAs(t, err, &handlerErr)
		assert.Equal(t, "order.created", handlerErr.RoutingKey)

		select {
		case <-cancelled:
		default:
			t.Fatal("sibling handler was not cancelled")
		}
		acked, _ := acker.Counts()
		assert.Zero(t, acked)
		assert.Equal(t, []rabbitmqtest.Rejection{{Tag: 1, Requeue: true}}, acker.Rejections())
		assert.Equal(t, []metrics.Outcome{metrics.OutcomeRejected}, rec.Outcomes())
	})

	t.Run("rejects undecodable messages", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		c, _ := newUnitConsumer(t, registry, bus)

		acker := &rabbitmqtest.Acker{}
		err := c.HandleDelivery(ctx, nil, amqp.Delivery{Acknowledger: acker, DeliveryTag: 4, RoutingKey: "a", Body: []byte("{broken")})
		require.Error(t, err)
		assert.Equal(t, []rabbitmqtest.Rejection{{Tag: 4, Requeue: false}}, acker.Rejections())
	})

	t.Run("rejects encrypted messages without a key", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "a"}, noop))
		c, _ := newUnitConsumer(t, registry, bus)

		acker := &rabbitmqtest.Acker{}
		d := wireDelivery(t, newBus(t, testKey), "a", mustMessage(t, "a", 1), acker)
		err := c.HandleDelivery(ctx, nil, d)
		assert.ErrorIs(t, err, ErrMissingKey)
	})

	t.Run("decrypts with the configured key", func(t *testing.T) {
		keyed := newBus(t, testKey)
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		var qty int
		require.NoError(t, registry.RegisterHandler(contracts.Pattern{Name: "stock.reserved"}, Event(func(ctx context.Context, v struct {
			Qty int `json:"qty"`
		}) error {
			qty = v.Qty
			return nil
		})))
		c, _ := newUnitConsumer(t, registry, keyed)

		acker := &rabbitmqtest.Acker{}
		d := wireDelivery(t, keyed, "stock.reserved", mustMessage(t, "stock.reserved", map[string]int{"qty": 5}), acker)
		require.NoError(t, c.HandleDelivery(ctx, nil, d))
		assert.Equal(t, 5, qty)
	})

	t.Run("recovers handler panics", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "a"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			panic("boom")
		}))
		c, _ := newUnitConsumer(t, registry, bus)

		acker := &rabbitmqtest.Acker{}
		err := c.HandleDelivery(ctx, nil, wireDelivery(t, bus, "a", mustMessage(t, "a", 1), acker))
		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "boom", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
		_, rejected := acker.Counts()
		assert.Equal(t, 1, rejected)
	})

	t.Run("bounds handling with the handler timeout", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "slow"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		c, _ := newUnitConsumer(t, registry, bus, WithHandlerTimeout(10*time.Millisecond))

		acker := &rabbitmqtest.Acker{}
		err := c.HandleDelivery(ctx, nil, wireDelivery(t, bus, "slow", mustMessage(t, "slow", 1), acker))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestConsumerReplies(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t, nil)

	request := func(t *testing.T, acker *rabbitmqtest.Acker, routingKey string) amqp.Delivery {
		d := wireDelivery(t, bus, routingKey, mustMessage(t, routingKey, map[string]string{"sku": "p-1"}), acker)
		d.ReplyTo = "amq.gen-reply"
		d.CorrelationId = "c-1"
		return d
	}

	t.Run("replies with the results of request handlers only", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandler(contracts.Pattern{Name: "stock.check"}, Request(func(ctx context.Context, req map[string]string) (map[string]interface{}, error) {
			return map[string]interface{}{"sku": req["sku"], "available": 3}, nil
		})))
		require.NoError(t, registry.RegisterHandler(contracts.Pattern{Name: "stock.check"}, Event(func(ctx context.Context, req map[string]string) error {
			return nil
		})))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "stock.check"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return "second", nil
		}))
		c, _ := newUnitConsumer(t, registry, bus)

		broker := rabbitmqtest.NewBroker()
		ch := rabbitmqtest.NewFakeChannel(broker)
		acker := &rabbitmqtest.Acker{}
		require.NoError(t, c.HandleDelivery(ctx, ch, request(t, acker, "stock.check")))

		published := broker.PublishedMessages()
		require.Len(t, published, 1)
		reply := published[0]
		assert.Equal(t, "", reply.Exchange)
		assert.Equal(t, "amq.gen-reply", reply.Key)
		assert.Equal(t, "c-1", reply.Msg.CorrelationId)
		assert.Equal(t, "30000", reply.Msg.Expiration)
		assert.Empty(t, reply.Msg.Type)
		assert.JSONEq(t, `[{"sku":"p-1","available":3},"second"]`, string(reply.Msg.Body))

		acked, _ := acker.Counts()
		assert.Equal(t, 1, acked)
	})

	t.Run("reply inherits the request expiration", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "ping"}, noop))
		c, _ := newUnitConsumer(t, registry, bus)

		broker := rabbitmqtest.NewBroker()
		d := request(t, &rabbitmqtest.Acker{}, "ping")
		d.Expiration = "1500"
		require.NoError(t, c.HandleDelivery(ctx, rabbitmqtest.NewFakeChannel(broker), d))
		assert.Equal(t, "1500", broker.PublishedMessages()[0].Msg.Expiration)
	})

	t.Run("sends exception replies when the caller asks", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "stock.check"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, errors.New("unknown sku")
		}))
		c, _ := newUnitConsumer(t, registry, bus)

		broker := rabbitmqtest.NewBroker()
		acker := &rabbitmqtest.Acker{}
		d := request(t, acker, "stock.check")
		d.Headers = amqp.Table{contracts.HeaderReplyExceptions: true}
		require.NoError(t, c.HandleDelivery(ctx, rabbitmqtest.NewFakeChannel(broker), d))

		published := broker.PublishedMessages()
		require.Len(t, published, 1)
		assert.Equal(t, contracts.ReplyTypeException, published[0].Msg.Type)

		var exception contracts.ExceptionReply
		require.NoError(t, jsoncodec.Unmarshal(published[0].Msg.Body, &exception))
		assert.Contains(t, exception.Message, "unknown sku")

		acked, rejected := acker.Counts()
		assert.Equal(t, 1, acked)
		assert.Zero(t, rejected)
	})

	t.Run("rejects failed requests without the exception header", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "stock.check"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, errors.New("unknown sku")
		}))
		c, _ := newUnitConsumer(t, registry, bus)

		broker := rabbitmqtest.NewBroker()
		acker := &rabbitmqtest.Acker{}
		d := request(t, acker, "stock.check")
		d.Headers = amqp.Table{contracts.HeaderReplyExceptions: "true"}
		require.Error(t, c.HandleDelivery(ctx, rabbitmqtest.NewFakeChannel(broker), d))

		assert.Empty(t, broker.PublishedMessages())
		_, rejected := acker.Counts()
		assert.Equal(t, 1, rejected)
	})

	t.Run("rejects when the reply cannot be published", func(t *testing.T) {
		registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "ping"}, noop))
		c, _ := newUnitConsumer(t, registry, bus)

		ch := rabbitmqtest.NewFakeChannel(rabbitmqtest.NewBroker())
		ch.PublishErr = amqp.ErrClosed
		acker := &rabbitmqtest.Acker{}
		err := c.HandleDelivery(ctx, ch, request(t, acker, "ping"))
		assert.ErrorIs(t, err, amqp.ErrClosed)
		_, rejected := acker.Counts()
		assert.Equal(t, 1, rejected)
	})
}

func TestConsumerListen(t *testing.T) {
	bus := newBus(t, nil)

	t.Run("consumes routed messages after declaring topology", func(t *testing.T) {
		tb := newTestBroker(t)
		cfg := singleQueueConfig()
		registry := NewRegistry(cfg, WithRegistryLogger(quietLogger()))
		received := make(chan string, 1)
		require.NoError(t, registry.RegisterHandler(contracts.Pattern{Name: contracts.OrderPaidEvent}, Decoded(contracts.DefaultCatalog(), func(ctx context.Context, event contracts.Event) error {
			received <- event.(*contracts.OrderPaid).OrderID
			return nil
		})))
		c := tb.listen(t, cfg, "orders", registry, bus)

		assert.ErrorIs(t, c.Listen(context.Background()), ErrConsumerListening)
		assert.ElementsMatch(t, []string{contracts.OrderPaidEvent}, tb.broker.BindingKeys("orders-exchange", "orders"))

		publisher := NewPublisher(tb.manager, bus, WithPublisherLogger(quietLogger()))
		defer publisher.Close()
		msg, err := contracts.NewEventMessage(contracts.OrderPaid{OrderID: "o-9"})
		require.NoError(t, err)
		require.NoError(t, publisher.Send(context.Background(), contracts.Pattern{Exchange: "orders-exchange", Channel: contracts.OrderPaidEvent}, msg, false))

		select {
		case id := <-received:
			assert.Equal(t, "o-9", id)
		case <-time.After(time.Second):
			t.Fatal("message was not consumed")
		}
		assert.Eventually(t, func() bool {
			acked, _ := tb.broker.Settled()
			return acked == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("failed messages land in the fallback queue and can be reprocessed", func(t *testing.T) {
		tb := newTestBroker(t)
		cfg := singleQueueConfig()
		registry := NewRegistry(cfg, WithRegistryLogger(quietLogger()))
		var healthy atomic.Bool
		handled := make(chan string, 1)
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			if !healthy.Load() {
				return nil, errors.New("database down")
			}
			handled <- msg.Name
			return nil, nil
		}))
		c := tb.listen(t, cfg, "orders", registry, bus)

		publisher := NewPublisher(tb.manager, bus, WithPublisherLogger(quietLogger()))
		defer publisher.Close()
		require.NoError(t, publisher.Send(context.Background(), contracts.Pattern{Exchange: "orders-exchange", Channel: "order.created"}, mustMessage(t, "order.created", map[string]string{}), false))

		assert.Eventually(t, func() bool {
			return tb.broker.PendingCount("orders_fallback") == 1
		}, time.Second, 5*time.Millisecond)

		healthy.Store(true)
		found, err := c.ProcessFallback(context.Background())
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "order.created", <-handled)
		assert.Zero(t, tb.broker.PendingCount("orders_fallback"))

		found, err = c.ProcessFallback(context.Background())
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("fallback failures are requeued", func(t *testing.T) {
		tb := newTestBroker(t)
		cfg := singleQueueConfig()
		registry := NewRegistry(cfg, WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "order.created"}, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, errors.New("still down")
		}))
		c := tb.listen(t, cfg, "orders", registry, bus)

		body, err := bus.Wrap(mustMessage(t, "order.created", json.RawMessage(`{}`)))
		require.NoError(t, err)
		tb.broker.Enqueue("orders_fallback", amqp.Delivery{RoutingKey: "order.created", Body: body})

		found, err := c.ProcessFallback(context.Background())
		assert.True(t, found)
		assert.Error(t, err)
		assert.Equal(t, 1, tb.broker.PendingCount("orders_fallback"))
	})

	t.Run("Close stops consuming", func(t *testing.T) {
		tb := newTestBroker(t)
		cfg := singleQueueConfig()
		registry := NewRegistry(cfg, WithRegistryLogger(quietLogger()))
		require.NoError(t, registry.RegisterHandlerFunc(contracts.Pattern{Name: "a"}, noop))
		c := tb.listen(t, cfg, "orders", registry, bus)

		conn := tb.dialer.Last()
		require.NotNil(t, conn)
		var tags []string
		for _, ch := range conn.Channels() {
			tags = append(tags, ch.ConsumerTags()...)
		}
		assert.Contains(t, tags, "ORDERS_CONSUMER")

		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		for _, ch := range conn.Channels() {
			assert.Empty(t, ch.ConsumerTags())
		}
	})
}
