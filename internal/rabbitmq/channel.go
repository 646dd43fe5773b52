package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by consumers, publishers and
// the topology driver.
type Channel interface {
	TopologyChannel
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// SetupFunc prepares a freshly opened channel: topology, QoS, consume
// registrations. It runs on every (re)open.
type SetupFunc func(ctx context.Context, ch Channel) error

// ManagedChannel is a channel owned by the ConnectionManager that survives
// reconnects.
type ManagedChannel struct {
	name   string
	setup  SetupFunc
	logger *slog.Logger
	ctx    context.Context

	openMu sync.Mutex
	mu     sync.RWMutex
	ch     Channel
	closed bool
}

func newManagedChannel(ctx context.Context, name string, setup SetupFunc, logger *slog.Logger) *ManagedChannel {
	return &ManagedChannel{
		name:   name,
		setup:  setup,
		logger: logger,
		ctx:    ctx,
	}
}

// Name returns the registration name
func (mc *ManagedChannel) Name() string {
	return mc.name
}

// Channel returns the live channel
func (mc *ManagedChannel) Channel() (Channel, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if mc.closed {
		return nil, ErrChannelClosed
	}
	if mc.ch == nil || mc.ch.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return mc.ch, nil
}

// IsReady reports whether the channel is open and set up
func (mc *ManagedChannel) IsReady() bool {
	_, err := mc.Channel()
	return err == nil
}

func (mc *ManagedChannel) isClosed() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.closed
}

func (mc *ManagedChannel) open(ctx context.Context, conn Connection) error {
	mc.openMu.Lock()
	defer mc.openMu.Unlock()

	if mc.isClosed() {
		return ErrChannelClosed
	}
	if mc.IsReady() {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ChannelError{
			Op:      "open",
			Channel: mc.name,
			Err:     fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
		}
	}
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))

	if mc.setup != nil {
		if err := mc.setup(ctx, ch); err != nil {
			_ = ch.Close()
			return &ChannelError{Op: "setup", Channel: mc.name, Err: err}
		}
	}

	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		_ = ch.Close()
		return ErrChannelClosed
	}
	mc.ch = ch
	mc.mu.Unlock()

	mc.logger.Debug("channel ready", "channel", mc.name)
	go mc.watch(conn, ch, notify)
	return nil
}

// watch reopens the channel after a broker-initiated channel close. Closes
// caused by the connection dropping are left to the ConnectionManager.
func (mc *ManagedChannel) watch(conn Connection, ch Channel, notify <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case <-mc.ctx.Done():
		return
	case amqpErr = <-notify:
	}

	mc.release(ch)
	if amqpErr == nil || mc.isClosed() || conn.IsClosed() {
		return
	}
	mc.logger.Warn("channel closed by broker, reopening", "channel", mc.name, "error", amqpErr)

	_, err := backoff.Retry(mc.ctx, func() (struct{}, error) {
		if mc.isClosed() {
			return struct{}{}, backoff.Permanent(ErrChannelClosed)
		}
		if conn.IsClosed() {
			return struct{}{}, backoff.Permanent(ErrConnectionClosed)
		}
		err := mc.open(mc.ctx, conn)
		if IsFatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0))

	if err != nil && !errors.Is(err, ErrChannelClosed) && !errors.Is(err, ErrConnectionClosed) && mc.ctx.Err() == nil {
		mc.logger.Error("channel could not be reopened", "channel", mc.name, "error", err)
	}
}

func (mc *ManagedChannel) markDown() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ch = nil
}

// release forgets ch unless a reopen has already replaced it
func (mc *ManagedChannel) release(ch Channel) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.ch == ch {
		mc.ch = nil
	}
}

func (mc *ManagedChannel) close() error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return nil
	}
	mc.closed = true
	ch := mc.ch
	mc.ch = nil
	mc.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil {
		return &ChannelError{Op: "close", Channel: mc.name, Err: err}
	}
	return nil
}
