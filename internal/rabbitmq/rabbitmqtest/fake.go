// Package rabbitmqtest provides in-memory broker doubles for unit tests.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmqbus/internal/rabbitmq"
)

// ExchangeDecl is a recorded exchange declaration
type ExchangeDecl struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueDecl is a recorded queue declaration
type QueueDecl struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// BindingDecl is a recorded queue binding
type BindingDecl struct {
	Queue    string
	Key      string
	Exchange string
}

// Published is a message passed to PublishWithContext
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Broker is the state shared by every FakeChannel of a FakeConnection.
type Broker struct {
	mu        sync.Mutex
	Exchanges map[string]ExchangeDecl
	Queues    map[string]QueueDecl
	Bindings  map[BindingDecl]struct{}
	Pending   map[string][]amqp.Delivery
	Published []Published
	Calls     []string
	Acked     []uint64
	Rejected  []Rejection
	generated int
	nextTag   uint64
	consumers map[string][]consumerRef
	unacked   map[uint64]inflight
}

type consumerRef struct {
	channel    *FakeChannel
	tag        string
	autoAck    bool
	deliveries chan amqp.Delivery
}

type inflight struct {
	queue    string
	delivery amqp.Delivery
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		Exchanges: make(map[string]ExchangeDecl),
		Queues:    make(map[string]QueueDecl),
		Bindings:  make(map[BindingDecl]struct{}),
		Pending:   make(map[string][]amqp.Delivery),
		consumers: make(map[string][]consumerRef),
		unacked:   make(map[uint64]inflight),
	}
}

func (b *Broker) record(call string) {
	b.Calls = append(b.Calls, call)
}

// CallCount returns the number of broker calls recorded so far
func (b *Broker) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// BindingKeys lists the keys bound from exchange to queue
func (b *Broker) BindingKeys(exchange, queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for binding := range b.Bindings {
		if binding.Exchange == exchange && binding.Queue == queue {
			keys = append(keys, binding.Key)
		}
	}
	return keys
}

// PublishedMessages returns a copy of all published messages
func (b *Broker) PublishedMessages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.Published...)
}

// Enqueue makes d available to Get on queue
func (b *Broker) Enqueue(queue string, d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Pending[queue] = append(b.Pending[queue], d)
}

// PendingCount returns the number of messages waiting in queue
func (b *Broker) PendingCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Pending[queue])
}

// Settled returns the acknowledged and rejected delivery counts
func (b *Broker) Settled() (acked, rejected int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Acked), len(b.Rejected)
}

// route resolves the queues a message published to exchange with key
// reaches. The default exchange routes by queue name.
func (b *Broker) route(exchange, key string) []string {
	if exchange == "" {
		if _, ok := b.Queues[key]; ok {
			return []string{key}
		}
		return nil
	}
	ex, ok := b.Exchanges[exchange]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var queues []string
	for binding := range b.Bindings {
		if binding.Exchange != exchange || seen[binding.Queue] {
			continue
		}
		if binding.Key == key || (ex.Kind == "topic" && TopicMatch(binding.Key, key)) {
			seen[binding.Queue] = true
			queues = append(queues, binding.Queue)
		}
	}
	return queues
}

type dispatch struct {
	deliveries chan amqp.Delivery
	delivery   amqp.Delivery
}

// enqueueLocked places msg on queue, handing it to a consumer when one is
// registered. The returned dispatch must be sent after the lock is released.
func (b *Broker) enqueueLocked(queue string, d amqp.Delivery) *dispatch {
	b.nextTag++
	d.DeliveryTag = b.nextTag
	refs := b.consumers[queue]
	if len(refs) == 0 {
		b.Pending[queue] = append(b.Pending[queue], d)
		return nil
	}
	ref := refs[0]
	d.ConsumerTag = ref.tag
	if !ref.autoAck {
		d.Acknowledger = ref.channel
		b.unacked[d.DeliveryTag] = inflight{queue: queue, delivery: d}
	}
	return &dispatch{deliveries: ref.deliveries, delivery: d}
}

func send(dispatches []*dispatch) {
	for _, d := range dispatches {
		if d != nil {
			d.send()
		}
	}
}

// send tolerates a consumer cancelled between routing and delivery.
func (d *dispatch) send() {
	defer func() { _ = recover() }()
	d.deliveries <- d.delivery
}

// TopicMatch reports whether an AMQP topic binding pattern matches key.
func TopicMatch(pattern, key string) bool {
	return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// FakeChannel implements rabbitmq.Channel against a Broker.
type FakeChannel struct {
	broker *Broker

	// OnPublish, when set, runs after a message is recorded.
	OnPublish func(p Published)
	// PublishErr, when set, is returned by PublishWithContext.
	PublishErr error

	mu        sync.Mutex
	closed    bool
	notify    []chan *amqp.Error
	consumers map[string]chan amqp.Delivery
	qos       int
}

var _ rabbitmq.Channel = (*FakeChannel)(nil)

// NewFakeChannel creates a channel on broker
func NewFakeChannel(broker *Broker) *FakeChannel {
	return &FakeChannel{
		broker:    broker,
		consumers: make(map[string]chan amqp.Delivery),
	}
}

func preconditionFailed(format string, args ...interface{}) error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...)}
}

func (c *FakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.record("exchange.declare " + name)

	decl := ExchangeDecl{Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete}
	if existing, ok := c.broker.Exchanges[name]; ok && existing != decl {
		return preconditionFailed("inequivalent arg for exchange '%s'", name)
	}
	c.broker.Exchanges[name] = decl
	return nil
}

func (c *FakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.record("queue.declare " + name)

	if name == "" {
		c.broker.generated++
		name = fmt.Sprintf("amq.gen-%d", c.broker.generated)
	}
	decl := QueueDecl{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Args: args}
	if existing, ok := c.broker.Queues[name]; ok {
		if existing.Durable != durable || existing.AutoDelete != autoDelete || !sameArgs(existing.Args, args) {
			return amqp.Queue{}, preconditionFailed("inequivalent arg for queue '%s'", name)
		}
	}
	c.broker.Queues[name] = decl
	return amqp.Queue{Name: name, Messages: len(c.broker.Pending[name])}, nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (c *FakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.record("queue.bind " + name + " " + key + " " + exchange)

	if _, ok := c.broker.Exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	if _, ok := c.broker.Queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	c.broker.Bindings[BindingDecl{Queue: name, Key: key, Exchange: exchange}] = struct{}{}
	return nil
}

func (c *FakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.broker.mu.Lock()
	c.broker.record(fmt.Sprintf("basic.qos %d", prefetchCount))
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return nil
}

// Prefetch returns the last QoS prefetch count applied
func (c *FakeChannel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qos
}

func (c *FakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	c.broker.record("basic.consume " + queue)
	_, known := c.broker.Queues[queue]
	c.broker.mu.Unlock()
	if !known {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if _, exists := c.consumers[consumer]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + consumer + "'"}
	}
	deliveries := make(chan amqp.Delivery, 64)
	c.consumers[consumer] = deliveries

	c.broker.mu.Lock()
	c.broker.consumers[queue] = append(c.broker.consumers[queue], consumerRef{
		channel:    c,
		tag:        consumer,
		autoAck:    autoAck,
		deliveries: deliveries,
	})
	c.broker.mu.Unlock()
	return deliveries, nil
}

func (c *FakeChannel) unregister(tag string) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for queue, refs := range c.broker.consumers {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.channel == c && (tag == "" || ref.tag == tag) {
				continue
			}
			kept = append(kept, ref)
		}
		c.broker.consumers[queue] = kept
	}
}

// Deliver pushes d to the consumer registered under tag
func (c *FakeChannel) Deliver(tag string, d amqp.Delivery) error {
	c.mu.Lock()
	deliveries, ok := c.consumers[tag]
	c.mu.Unlock()
	if !ok {
		return errors.New("rabbitmqtest: no consumer " + tag)
	}
	deliveries <- d
	return nil
}

// ConsumerTags lists active consumer tags
func (c *FakeChannel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

func (c *FakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	p := Published{Exchange: exchange, Key: key, Msg: msg}
	c.broker.mu.Lock()
	c.broker.record("basic.publish " + exchange + " " + key)
	c.broker.Published = append(c.broker.Published, p)
	var dispatches []*dispatch
	for _, queue := range c.broker.route(exchange, key) {
		dispatches = append(dispatches, c.broker.enqueueLocked(queue, amqp.Delivery{
			Exchange:      exchange,
			RoutingKey:    key,
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			Expiration:    msg.Expiration,
			MessageId:     msg.MessageId,
			Type:          msg.Type,
			Timestamp:     msg.Timestamp,
			Body:          msg.Body,
		}))
	}
	c.broker.mu.Unlock()
	send(dispatches)

	if c.OnPublish != nil {
		c.OnPublish(p)
	}
	return nil
}

func (c *FakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.record("basic.get " + queue)

	pending := c.broker.Pending[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := pending[0]
	c.broker.Pending[queue] = pending[1:]
	if d.DeliveryTag == 0 {
		c.broker.nextTag++
		d.DeliveryTag = c.broker.nextTag
	}
	if !autoAck {
		d.Acknowledger = c
		c.broker.unacked[d.DeliveryTag] = inflight{queue: queue, delivery: d}
	}
	return d, true, nil
}

// Ack implements amqp.Acknowledger for deliveries of this channel
func (c *FakeChannel) Ack(tag uint64, multiple bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.Acked = append(c.broker.Acked, tag)
	delete(c.broker.unacked, tag)
	return nil
}

// Nack implements amqp.Acknowledger for deliveries of this channel
func (c *FakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	return c.Reject(tag, requeue)
}

// Reject implements amqp.Acknowledger. Requeued messages go back to their
// queue; the others are dead-lettered when the queue has a dead-letter
// exchange, with an x-death entry recording the original routing key.
func (c *FakeChannel) Reject(tag uint64, requeue bool) error {
	c.broker.mu.Lock()
	c.broker.Rejected = append(c.broker.Rejected, Rejection{Tag: tag, Requeue: requeue})
	msg, ok := c.broker.unacked[tag]
	delete(c.broker.unacked, tag)
	if !ok {
		c.broker.mu.Unlock()
		return nil
	}

	var dispatches []*dispatch
	d := msg.delivery
	d.Acknowledger = nil
	if requeue {
		d.Redelivered = true
		c.broker.Pending[msg.queue] = append(c.broker.Pending[msg.queue], d)
	} else if dlx, ok := c.broker.Queues[msg.queue].Args["x-dead-letter-exchange"].(string); ok {
		key := d.RoutingKey
		if dlrk, ok := c.broker.Queues[msg.queue].Args["x-dead-letter-routing-key"].(string); ok {
			key = dlrk
		}
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		death := amqp.Table{
			"queue":        msg.queue,
			"reason":       "rejected",
			"exchange":     d.Exchange,
			"routing-keys": []interface{}{d.RoutingKey},
			"count":        int64(1),
		}
		deaths, _ := headers["x-death"].([]interface{})
		headers["x-death"] = append([]interface{}{death}, deaths...)
		d.Headers = headers
		d.Exchange = dlx
		original := d.RoutingKey
		d.RoutingKey = key
		for _, queue := range c.broker.route(dlx, key) {
			dispatches = append(dispatches, c.broker.enqueueLocked(queue, d))
		}
		d.RoutingKey = original
	}
	c.broker.mu.Unlock()
	send(dispatches)
	return nil
}

func (c *FakeChannel) Cancel(consumer string, noWait bool) error {
	c.unregister(consumer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if deliveries, ok := c.consumers[consumer]; ok {
		close(deliveries)
		delete(c.consumers, consumer)
	}
	return nil
}

func (c *FakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *FakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// Fail closes the channel as the broker would after a channel exception
func (c *FakeChannel) Fail(err *amqp.Error) {
	c.shutdown(err)
}

func (c *FakeChannel) shutdown(err *amqp.Error) {
	c.unregister("")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for tag, deliveries := range c.consumers {
		close(deliveries)
		delete(c.consumers, tag)
	}
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.notify = nil
}

// FakeConnection implements rabbitmq.Connection. Every Channel call opens a
// new FakeChannel on the shared Broker.
type FakeConnection struct {
	Broker *Broker

	// ChannelErr, when set, is returned by Channel.
	ChannelErr error

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*FakeChannel
}

var _ rabbitmq.Connection = (*FakeConnection)(nil)

// NewFakeConnection creates a connection to broker
func NewFakeConnection(broker *Broker) *FakeConnection {
	return &FakeConnection{Broker: broker}
}

func (c *FakeConnection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	ch := NewFakeChannel(c.Broker)
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns every channel opened so far
func (c *FakeConnection) Channels() []*FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeChannel(nil), c.channels...)
}

func (c *FakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *FakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop simulates the broker closing the connection
func (c *FakeConnection) Drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure"})
}

func (c *FakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// Dialer returns a rabbitmq.Dialer that hands out connections produced by
// next, recording the URLs it was asked for.
type Dialer struct {
	mu    sync.Mutex
	URLs  []string
	Conns []*FakeConnection
	Next  func(url string) (*FakeConnection, error)
}

// Dial implements rabbitmq.Dialer
func (d *Dialer) Dial(url string) (rabbitmq.Connection, error) {
	d.mu.Lock()
	d.URLs = append(d.URLs, url)
	d.mu.Unlock()

	conn, err := d.Next(url)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.Conns = append(d.Conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Last returns the most recently dialed connection
func (d *Dialer) Last() *FakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// DialCount returns how many dials were attempted
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.URLs)
}

// Acker records acknowledgements made through amqp.Delivery.
type Acker struct {
	mu       sync.Mutex
	Acked    []uint64
	Nacked   []uint64
	Rejected []Rejection
}

// Rejection is a recorded Reject or Nack
type Rejection struct {
	Tag     uint64
	Requeue bool
}

var _ amqp.Acknowledger = (*Acker)(nil)

func (a *Acker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked = append(a.Acked, tag)
	return nil
}

func (a *Acker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	a.Rejected = append(a.Rejected, Rejection{Tag: tag, Requeue: requeue})
	return nil
}

func (a *Acker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Rejected = append(a.Rejected, Rejection{Tag: tag, Requeue: requeue})
	return nil
}

// Counts returns the number of acks and rejections
func (a *Acker) Counts() (acked, rejected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Acked), len(a.Rejected)
}

// Rejections returns a copy of the recorded rejections
func (a *Acker) Rejections() []Rejection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Rejection(nil), a.Rejected...)
}
