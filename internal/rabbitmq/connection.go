package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a ConnectionManager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is the subset of *amqp.Connection used by the manager.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection for one URL.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP returns a Dialer backed by amqp091. vhost applies to URLs that
// do not name one themselves.
func DialAMQP(vhost, connectionName string) Dialer {
	return func(url string) (Connection, error) {
		cfg := amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.NewConnectionProperties(),
		}
		if connectionName != "" {
			cfg.Properties.SetClientConnectionName(connectionName)
		}
		if uri, err := amqp.ParseURI(url); err == nil && uri.Vhost == "/" && vhost != "" {
			cfg.Vhost = vhost
		}
		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the process-wide broker connection. It reconnects
// with exponential backoff across the configured URLs and reopens every
// managed channel, re-running its setup, once the connection is back.
type ConnectionManager struct {
	urls    []string
	nextURL int
	dial    Dialer

	mu             sync.RWMutex
	conn           Connection
	state          State
	channels       map[string]*ManagedChannel
	readyCallbacks []func()

	connectMu         sync.Mutex
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay > 0 {
			cm.reconnectDelay = delay
		}
	}
}

// WithMaxReconnectDelay caps the backoff between attempts
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay > 0 {
			cm.maxReconnectDelay = delay
		}
	}
}

// WithMaxRetries limits connection attempts per outage. Zero retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		urls:              append([]string(nil), urls...),
		dial:              DialAMQP("", ""),
		channels:          make(map[string]*ManagedChannel),
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		logger:            slog.Default(),
		ctx:               ctx,
		cancel:            cancel,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, retrying until it succeeds, the
// retry limit is hit or ctx is done.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	switch cm.State() {
	case StateClosed:
		return ErrManagerClosed
	case StateReady:
		return nil
	}
	if len(cm.urls) == 0 {
		return &ConnectionError{Op: "connect", Err: errors.New("no broker urls configured")}
	}

	cm.setState(StateConnecting)
	conn, url, err := cm.dialWithRetry(ctx, "connect")
	if err != nil {
		cm.setState(StateDisconnected)
		return err
	}
	cm.attach(conn, url)
	return nil
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether the manager is ready
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateReady
}

// OnReady registers a callback run after every successful (re)connect,
// once all managed channels have been reopened.
func (cm *ConnectionManager) OnReady(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.readyCallbacks = append(cm.readyCallbacks, fn)
}

// CreateChannel registers a managed channel. When the manager is ready the
// channel is opened and setup runs before CreateChannel returns; otherwise
// it opens on the next connect. setup runs again after every reopen.
func (cm *ConnectionManager) CreateChannel(ctx context.Context, name string, setup SetupFunc) (*ManagedChannel, error) {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := cm.channels[name]; exists {
		cm.mu.Unlock()
		return nil, &ChannelError{Op: "create", Channel: name, Err: ErrChannelExists}
	}
	mc := newManagedChannel(cm.ctx, name, setup, cm.logger)
	cm.channels[name] = mc
	conn, ready := cm.conn, cm.state == StateReady
	cm.mu.Unlock()

	if !ready {
		cm.logger.Debug("channel registered, waiting for connection", "channel", name)
		return mc, nil
	}
	if err := mc.open(ctx, conn); err != nil {
		cm.mu.Lock()
		delete(cm.channels, name)
		cm.mu.Unlock()
		_ = mc.close()
		return nil, err
	}
	return mc, nil
}

// CloseChannel closes and forgets a managed channel. Unknown names are ignored.
func (cm *ConnectionManager) CloseChannel(name string) error {
	cm.mu.Lock()
	mc, ok := cm.channels[name]
	delete(cm.channels, name)
	cm.mu.Unlock()
	if !ok {
		return nil
	}
	return mc.close()
}

// Close closes every managed channel, then the connection. It is safe to
// call more than once.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateClosed
	conn := cm.conn
	cm.conn = nil
	channels := make([]*ManagedChannel, 0, len(cm.channels))
	for _, mc := range cm.channels {
		channels = append(channels, mc)
	}
	cm.channels = make(map[string]*ManagedChannel)
	cm.mu.Unlock()

	cm.cancel()

	var errs []error
	for _, mc := range channels {
		if err := mc.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, &ConnectionError{Op: "close", Err: err})
		}
	}
	cm.wg.Wait()

	cm.logger.Info("connection manager closed")
	return errors.Join(errs...)
}

func (cm *ConnectionManager) setState(s State) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != StateClosed {
		cm.state = s
	}
}

func (cm *ConnectionManager) pickURL() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	url := cm.urls[cm.nextURL%len(cm.urls)]
	cm.nextURL++
	return url
}

// dialWithRetry tries the configured URLs in turn with exponential backoff.
func (cm *ConnectionManager) dialWithRetry(ctx context.Context, op string) (Connection, string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cm.reconnectDelay
	b.MaxInterval = cm.maxReconnectDelay

	attempts := 0
	var lastURL string
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			cm.logger.Error("connection attempt failed",
				"url", SanitizeURL(lastURL),
				"error", err,
				"attempt", attempts,
				"nextRetryIn", next)
		}),
	}
	if cm.maxRetries > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(cm.maxRetries)))
	}

	conn, err := backoff.Retry(ctx, func() (Connection, error) {
		if cm.State() == StateClosed {
			return nil, backoff.Permanent(ErrManagerClosed)
		}
		attempts++
		lastURL = cm.pickURL()
		if attempts > 1 {
			cm.notifyReconnecting(attempts)
		}
		return cm.dial(lastURL)
	}, opts...)
	if err == nil {
		return conn, lastURL, nil
	}

	switch {
	case errors.Is(err, ErrManagerClosed):
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	case cm.maxRetries > 0 && attempts >= cm.maxRetries:
		err = fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
	}
	return nil, "", &ConnectionError{
		Op:       op,
		URL:      SanitizeURL(lastURL),
		Err:      err,
		Attempts: attempts,
	}
}

// attach makes conn current, reopens the managed channels and fires the
// ready callbacks.
func (cm *ConnectionManager) attach(conn Connection, url string) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	cm.conn = conn
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(url))

	// Channels reopen while the state is still connecting, so Ready always
	// means their setup functions have run. Channels registered meanwhile
	// are picked up by the next round.
	opened := make(map[*ManagedChannel]bool)
	var callbacks []func()
	for {
		cm.mu.Lock()
		if cm.state == StateClosed {
			cm.mu.Unlock()
			return
		}
		var pending []*ManagedChannel
		for _, mc := range cm.channels {
			if !opened[mc] {
				pending = append(pending, mc)
			}
		}
		if len(pending) == 0 {
			cm.state = StateReady
			callbacks = append([]func(){}, cm.readyCallbacks...)
			cm.wg.Add(1)
			cm.mu.Unlock()
			break
		}
		cm.mu.Unlock()

		for _, mc := range pending {
			opened[mc] = true
			if err := mc.open(cm.ctx, conn); err != nil {
				cm.logger.Error("failed to reopen channel", "channel", mc.Name(), "error", err)
			}
		}
	}

	for _, fn := range callbacks {
		fn()
	}
	cm.notifyConnected()

	go cm.watch(notify)
}

// watch waits for the current connection to drop and starts reconnecting.
func (cm *ConnectionManager) watch(notify <-chan *amqp.Error) {
	defer cm.wg.Done()

	var amqpErr *amqp.Error
	select {
	case <-cm.ctx.Done():
		return
	case amqpErr = <-notify:
	}
	if cm.ctx.Err() != nil {
		return
	}

	var err error = ErrConnectionClosed
	if amqpErr != nil {
		err = amqpErr
	}
	cm.logger.Error("disconnected from RabbitMQ, trying to reconnect", "error", err)

	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return
	}
	cm.state = StateConnecting
	cm.conn = nil
	channels := make([]*ManagedChannel, 0, len(cm.channels))
	for _, mc := range cm.channels {
		channels = append(channels, mc)
	}
	cm.mu.Unlock()

	for _, mc := range channels {
		mc.markDown()
	}
	cm.notifyDisconnected(err)

	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	conn, url, dialErr := cm.dialWithRetry(cm.ctx, "reconnect")
	if dialErr != nil {
		if cm.ctx.Err() != nil {
			return
		}
		cm.setState(StateDisconnected)
		cm.logger.Error("giving up reconnecting to RabbitMQ", "error", dialErr)
		cm.notifyDisconnected(dialErr)
		return
	}
	cm.attach(conn, url)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
