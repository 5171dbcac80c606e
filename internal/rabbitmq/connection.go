package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/msgbus-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the part of *amqp.Connection the manager uses
type Connection interface {
	OpenModel() (Model, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) OpenModel() (Model, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP dials url with amqp091-go
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager shares one broker connection between channels. A lost
// connection is redialed lazily by the next OpenModel call.
type ConnectionManager struct {
	url     string
	dial    Dialer
	backoff *reliability.ExponentialBackoff
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	conn      Connection
	closed    bool
	listeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// WithDialBackoff sets the retry policy for dialing
func WithDialBackoff(backoff *reliability.ExponentialBackoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		if backoff != nil {
			cm.backoff = backoff
		}
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.timeout = timeout
	}
}

// WithStateListener registers a listener for connection state changes
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		if listener != nil {
			cm.listeners = append(cm.listeners, listener)
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:     url,
		dial:    DialAMQP,
		backoff: reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, 3),
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker unless a live connection exists
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	_, err := cm.connection(ctx)
	return err
}

// OpenModel opens an AMQP channel on the shared connection, dialing first
// when the connection is missing or closed
func (cm *ConnectionManager) OpenModel(ctx context.Context) (Model, error) {
	conn, err := cm.connection(ctx)
	if err != nil {
		return nil, err
	}

	model, err := conn.OpenModel()
	if err != nil {
		return nil, &ConnectionError{
			Op:        "open-channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return model, nil
}

func (cm *ConnectionManager) connection(ctx context.Context) (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}

	attempts := 0
	var conn Connection
	err := reliability.Retry(ctx, cm.backoff, func() error {
		attempts++
		c, err := cm.dialOnce(ctx)
		if err != nil {
			cm.logger.Warn("failed to connect to RabbitMQ",
				"url", SanitizeURL(cm.url), "attempt", attempts, "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.conn = conn
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(conn, notify)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url), "attempts", attempts)
	for _, listener := range cm.listeners {
		go listener.OnConnected()
	}

	return conn, nil
}

// dialOnce runs the dialer under the per-attempt timeout
func (cm *ConnectionManager) dialOnce(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.timeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-dialCtx.Done():
		// Close a connection that arrives after we gave up on it.
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, dialCtx.Err()
	}
}

// watch forgets conn once the broker closes it
func (cm *ConnectionManager) watch(conn Connection, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify

	cm.mu.Lock()
	if cm.conn != conn || cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	listeners := cm.listeners
	cm.mu.Unlock()

	var err error = ErrConnectionClosed
	if ok && amqpErr != nil {
		err = amqpErr
	}
	cm.logger.Error("connection to RabbitMQ lost", "url", SanitizeURL(cm.url), "error", err)

	for _, listener := range listeners {
		go listener.OnDisconnected(err)
	}
}

// IsConnected reports whether a live connection exists
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection. Later calls to OpenModel fail.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	if cm.conn == nil {
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
