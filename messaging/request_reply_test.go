package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/jsoncodec"
)

type stockReply struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
}

func stockRegistry(t *testing.T, handler Handler) *Registry {
	t.Helper()
	registry := NewRegistry(singleQueueConfig(), WithRegistryLogger(quietLogger()))
	require.NoError(t, registry.RegisterHandler(contracts.Pattern{Name: "stock.check"}, handler))
	return registry
}

func TestRPCClient(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t, testKey)
	pattern := contracts.Pattern{Exchange: "orders-exchange", Channel: "stock.check"}

	t.Run("round trip through a remote consumer", func(t *testing.T) {
		tb := newTestBroker(t)
		registry := stockRegistry(t, Request(func(ctx context.Context, req map[string]string) (stockReply, error) {
			return stockReply{SKU: req["sku"], Available: 7}, nil
		}))
		tb.listen(t, singleQueueConfig(), "orders", registry, bus)

		rec := &recorder{}
		client := NewRPCClient(tb.manager, bus,
			WithPublisherLogger(quietLogger()),
			WithPublisherMetrics(rec),
			WithCallTimeout(time.Second),
		)
		defer client.Close()

		raw, err := client.Request(ctx, pattern, mustMessage(t, "stock.check", map[string]string{"sku": "p-1"}), false)
		require.NoError(t, err)

		var replies []stockReply
		require.NoError(t, jsoncodec.Unmarshal(raw, &replies))
		assert.Equal(t, []stockReply{{SKU: "p-1", Available: 7}}, replies)
		assert.Equal(t, []string{"ok"}, rec.RPCOutcomes())

		assert.NotEmpty(t, client.ReplyQueue())
		request := tb.broker.PublishedMessages()[0].Msg
		assert.Equal(t, client.ReplyQueue(), request.ReplyTo)
		assert.Len(t, request.CorrelationId, 36)
		assert.Equal(t, "10000", request.Expiration)
	})

	t.Run("concurrent requests get their own replies", func(t *testing.T) {
		tb := newTestBroker(t)
		registry := stockRegistry(t, Request(func(ctx context.Context, req map[string]string) (stockReply, error) {
			return stockReply{SKU: req["sku"]}, nil
		}))
		tb.listen(t, singleQueueConfig(), "orders", registry, bus)

		client := NewRPCClient(tb.manager, bus, WithPublisherLogger(quietLogger()), WithCallTimeout(time.Second))
		defer client.Close()
		_, err := client.Request(ctx, pattern, mustMessage(t, "stock.check", map[string]string{"sku": "warmup"}), true)
		require.NoError(t, err)

		skus := []string{"a", "b", "c", "d"}
		results := make(chan string, len(skus))
		errs := make(chan error, len(skus))
		for _, sku := range skus {
			msg := mustMessage(t, "stock.check", map[string]string{"sku": sku})
			go func(sku string, msg contracts.Message) {
				raw, err := client.Request(ctx, pattern, msg, true)
				if err != nil {
					errs <- err
					return
				}
				var replies []stockReply
				if err := jsoncodec.Unmarshal(raw, &replies); err != nil || len(replies) != 1 || replies[0].SKU != sku {
					errs <- errors.New("mismatched reply for " + sku)
					return
				}
				results <- sku
			}(sku, msg)
		}
		for range skus {
			select {
			case err := <-errs:
				t.Fatal(err)
			case <-results:
			case <-time.After(2 * time.Second):
				t.Fatal("request did not complete")
			}
		}
	})

	t.Run("times out when nobody answers", func(t *testing.T) {
		tb := newTestBroker(t)
		rec := &recorder{}
		client := NewRPCClient(tb.manager, bus,
			WithPublisherLogger(quietLogger()),
			WithPublisherMetrics(rec),
			WithCallTimeout(30*time.Millisecond),
		)
		defer client.Close()

		_, err := client.Request(ctx, pattern, mustMessage(t, "stock.check", map[string]string{}), false)
		assert.ErrorIs(t, err, ErrRPCTimeout)
		assert.Equal(t, []string{"timeout"}, rec.RPCOutcomes())

		client.pendingMu.Lock()
		assert.Empty(t, client.pending)
		client.pendingMu.Unlock()
	})

	t.Run("late replies are dropped", func(t *testing.T) {
		client := NewRPCClient(nil, bus, WithPublisherLogger(quietLogger()))
		client.deliver(Reply{CorrelationID: "gone", Body: []byte(`[]`)})

		replies, err := client.register("live")
		require.NoError(t, err)
		client.deliver(Reply{CorrelationID: "live", Body: []byte(`[1]`)})
		client.deliver(Reply{CorrelationID: "live", Body: []byte(`[2]`)})

		reply := <-replies
		assert.Equal(t, `[1]`, string(reply.Body))
		assert.Empty(t, replies)
	})

	t.Run("exception replies become remote errors", func(t *testing.T) {
		tb := newTestBroker(t)
		registry := stockRegistry(t, HandlerFunc(func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, errors.New("unknown sku")
		}))
		tb.listen(t, singleQueueConfig(), "orders", registry, bus)

		rec := &recorder{}
		client := NewRPCClient(tb.manager, bus, WithPublisherLogger(quietLogger()), WithPublisherMetrics(rec), WithCallTimeout(time.Second))
		defer client.Close()

		withExceptions := pattern
		withExceptions.Options.ReplyExceptions = true
		_, err := client.Request(ctx, withExceptions, mustMessage(t, "stock.check", map[string]string{}), false)

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "unknown sku")
		assert.Equal(t, []string{"exception"}, rec.RPCOutcomes())
	})

	t.Run("remote panics carry the stack", func(t *testing.T) {
		tb := newTestBroker(t)
		registry := stockRegistry(t, HandlerFunc(func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			panic("nil inventory")
		}))
		tb.listen(t, singleQueueConfig(), "orders", registry, bus)

		client := NewRPCClient(tb.manager, bus, WithPublisherLogger(quietLogger()), WithCallTimeout(time.Second))
		defer client.Close()

		withExceptions := pattern
		withExceptions.Options.ReplyExceptions = true
		_, err := client.Request(ctx, withExceptions, mustMessage(t, "stock.check", map[string]string{}), false)

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "nil inventory")
		assert.NotEmpty(t, remote.Stack)
	})

	t.Run("failures without exception replies time out", func(t *testing.T) {
		tb := newTestBroker(t)
		registry := stockRegistry(t, HandlerFunc(func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, errors.New("unknown sku")
		}))
		tb.listen(t, singleQueueConfig(), "orders", registry, bus)

		client := NewRPCClient(tb.manager, bus, WithPublisherLogger(quietLogger()), WithCallTimeout(50*time.Millisecond))
		defer client.Close()

		_, err := client.Request(ctx, pattern, mustMessage(t, "stock.check", map[string]string{}), false)
		assert.ErrorIs(t, err, ErrRPCTimeout)
		assert.Eventually(t, func() bool {
			return tb.broker.PendingCount("orders_fallback") == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("requires a channel", func(t *testing.T) {
		client := NewRPCClient(nil, bus)
		_, err := client.Request(ctx, contracts.Pattern{Exchange: "x"}, mustMessage(t, "a", 1), false)
		assert.ErrorIs(t, err, ErrMissingChannel)
	})

	t.Run("Close fails waiting calls", func(t *testing.T) {
		tb := newTestBroker(t)
		client := NewRPCClient(tb.manager, bus, WithPublisherLogger(quietLogger()), WithCallTimeout(time.Minute))

		done := make(chan error, 1)
		msg := mustMessage(t, "stock.check", map[string]string{})
		go func() {
			_, err := client.Request(ctx, pattern, msg, false)
			done <- err
		}()
		assert.Eventually(t, func() bool {
			return len(tb.broker.PublishedMessages()) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, client.Close())
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrClientClosed)
		case <-time.After(time.Second):
			t.Fatal("pending request was not released")
		}
		require.NoError(t, client.Close())
	})
}
