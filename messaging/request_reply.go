package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/ids"
	"github.com/glimte/rmqbus/internal/jsoncodec"
	"github.com/glimte/rmqbus/internal/rabbitmq"
)

// RPCClient sends requests and waits for the correlated reply. Replies
// arrive on an exclusive server-named queue declared on first use and
// re-declared after every reconnect.
type RPCClient struct {
	clientBase

	pendingMu  sync.Mutex
	pending    map[string]chan Reply
	replyQueue string
	replyTag   string
}

// NewRPCClient creates an RPC client. Its channel is opened on first Request.
func NewRPCClient(conn ChannelManager, bus *MessageBus, options ...PublisherOption) *RPCClient {
	r := &RPCClient{
		pending:  make(map[string]chan Reply),
		replyTag: "rpc-reply." + ids.CorrelationID(),
	}
	r.init(conn, bus, "request", options)
	return r
}

// ReplyQueue returns the current reply queue name, empty before first use.
func (r *RPCClient) ReplyQueue() string {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.replyQueue
}

func (r *RPCClient) setupReplyQueue(ctx context.Context, ch rabbitmq.Channel) error {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, r.replyTag, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume reply queue: %w", err)
	}

	r.pendingMu.Lock()
	r.replyQueue = q.Name
	r.pendingMu.Unlock()

	go r.receive(deliveries)
	r.logger.Debug("reply queue ready", "queue", q.Name)
	return nil
}

func (r *RPCClient) receive(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		r.deliver(Reply{CorrelationID: d.CorrelationId, Type: d.Type, Body: d.Body})
	}
}

// deliver hands a reply to its waiting caller. Replies for unknown or
// already finished calls are dropped.
func (r *RPCClient) deliver(reply Reply) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	replies, ok := r.pending[reply.CorrelationID]
	if !ok {
		r.logger.Debug("dropping reply without pending call", "correlationId", reply.CorrelationID)
		return
	}
	delete(r.pending, reply.CorrelationID)
	replies <- reply
}

func (r *RPCClient) register(id string) (<-chan Reply, error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pending == nil {
		return nil, ErrClientClosed
	}
	replies := make(chan Reply, 1)
	r.pending[id] = replies
	return replies, nil
}

func (r *RPCClient) forget(id string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pending, id)
}

// Request publishes msg and waits for the reply. The result is the raw JSON
// reply: an array holding one element per request handler on the remote side.
// A remote exception reply is returned as *RemoteError, a missing reply as
// ErrRPCTimeout.
func (r *RPCClient) Request(ctx context.Context, pattern contracts.Pattern, msg contracts.Message, suppressLog bool) (json.RawMessage, error) {
	if pattern.Channel == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingChannel, msg.Name)
	}
	ch, err := r.acquire(ctx, r.setupReplyQueue)
	if err != nil {
		return nil, err
	}
	replyTo := r.ReplyQueue()
	if replyTo == "" {
		return nil, ErrReplyQueueNotReady
	}

	id := ids.CorrelationID()
	replies, err := r.register(id)
	if err != nil {
		return nil, err
	}
	defer r.forget(id)

	if pattern.Options.Expiration == 0 {
		pattern.Options.Expiration = r.expireIn
	}

	start := time.Now()
	pub := amqp.Publishing{ReplyTo: replyTo, CorrelationId: id}
	if err := r.publish(ctx, ch, pattern, msg, pub, suppressLog); err != nil {
		r.metrics.RPCCompleted(pattern.Channel, "publish_error", time.Since(start))
		return nil, err
	}

	reply, err := NewTimeoutHandler(r.callTimeout).Await(ctx, replies)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrRPCTimeout) {
			outcome = "timeout"
			r.logger.Warn("rpc request timed out",
				"routingKey", pattern.Channel,
				"correlationId", id,
				"timeout", r.callTimeout,
			)
		}
		r.metrics.RPCCompleted(pattern.Channel, outcome, time.Since(start))
		return nil, err
	}

	if reply.Type == contracts.ReplyTypeException {
		r.metrics.RPCCompleted(pattern.Channel, "exception", time.Since(start))
		var exception contracts.ExceptionReply
		if err := jsoncodec.Unmarshal(reply.Body, &exception); err != nil {
			return nil, fmt.Errorf("failed to decode exception reply: %w", err)
		}
		return nil, &RemoteError{Message: exception.Message, Stack: exception.Stack}
	}

	r.metrics.RPCCompleted(pattern.Channel, "ok", time.Since(start))
	return json.RawMessage(reply.Body), nil
}

// Close fails pending calls and closes the reply channel. It is idempotent.
func (r *RPCClient) Close() error {
	r.pendingMu.Lock()
	for id, replies := range r.pending {
		close(replies)
		delete(r.pending, id)
	}
	r.pending = nil
	r.pendingMu.Unlock()

	return r.close()
}
