package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/internal/rabbitmq"
	"github.com/glimte/msgbus-go/messaging"
	"github.com/glimte/msgbus-go/serialization"
	"github.com/sony/gobreaker"
)

// ModelOpener opens AMQP channels. *rabbitmq.ConnectionManager is the
// production implementation.
type ModelOpener interface {
	OpenModel(ctx context.Context) (rabbitmq.Model, error)
	Close() error
}

// BreakerSettings tunes the circuit breaker guarding channel opens
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing again
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open
	MaxRequests uint32
}

// DefaultBreakerSettings returns the settings used when none are given
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// Connector implements messaging.Connector for RabbitMQ. Every channel it
// hands out runs on one shared broker connection.
type Connector struct {
	url        string
	groups     []messaging.ChannelGroupConfig
	byName     map[string]messaging.ChannelGroupConfig
	opener     ModelOpener
	adapter    *rabbitmq.MessageAdapter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	topology   bool
	connOpts   []rabbitmq.ConnectionOption
	serializer serialization.Serializer
	settings   BreakerSettings

	mu       sync.Mutex
	declared map[string]bool
	closed   bool
}

var _ messaging.Connector = (*Connector)(nil)

// ConnectorOption configures the connector
type ConnectorOption func(*Connector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSerializer sets the serializer for message bodies
func WithSerializer(serializer serialization.Serializer) ConnectorOption {
	return func(c *Connector) {
		if serializer != nil {
			c.serializer = serializer
		}
	}
}

// WithBreakerSettings tunes the circuit breaker
func WithBreakerSettings(settings BreakerSettings) ConnectorOption {
	return func(c *Connector) {
		c.settings = settings
	}
}

// WithTopology controls whether queues and error exchanges are declared
// before a group's first channel is handed out. It is on by default.
func WithTopology(enabled bool) ConnectorOption {
	return func(c *Connector) {
		c.topology = enabled
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ConnectorOption {
	return func(c *Connector) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// WithModelOpener replaces the connection manager
func WithModelOpener(opener ModelOpener) ConnectorOption {
	return func(c *Connector) {
		c.opener = opener
	}
}

// NewConnector creates a connector for url serving groups. Nothing is
// dialed until the first Connect.
func NewConnector(url string, groups []messaging.ChannelGroupConfig, options ...ConnectorOption) (*Connector, error) {
	c := &Connector{
		url:      url,
		byName:   make(map[string]messaging.ChannelGroupConfig, len(groups)),
		logger:   slog.Default(),
		topology: true,
		settings: DefaultBreakerSettings(),
		declared: make(map[string]bool),
	}

	for _, opt := range options {
		opt(c)
	}

	for _, group := range groups {
		if err := group.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.byName[group.GroupName]; exists {
			return nil, fmt.Errorf("%w: %s", messaging.ErrDuplicateChannelGroup, group.GroupName)
		}
		group = group.WithDefaults()
		c.byName[group.GroupName] = group
		c.groups = append(c.groups, group)
	}

	if c.serializer == nil {
		c.serializer = serialization.NewJSONSerializer()
	}
	c.adapter = rabbitmq.NewMessageAdapter(c.serializer)

	if c.opener == nil {
		if url == "" {
			return nil, contracts.NewArgumentError("NewConnector", "url", "cannot be empty")
		}
		opts := append([]rabbitmq.ConnectionOption{
			rabbitmq.WithLogger(c.logger),
			rabbitmq.WithStateListener(c),
		}, c.connOpts...)
		c.opener = rabbitmq.NewConnectionManager(url, opts...)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-connector",
		MaxRequests: c.settings.MaxRequests,
		Timeout:     c.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// ChannelGroups returns the configured channel groups
func (c *Connector) ChannelGroups() []messaging.ChannelGroupConfig {
	out := make([]messaging.ChannelGroupConfig, len(c.groups))
	copy(out, c.groups)
	return out
}

// Connect opens a channel for groupName. Failures to reach the broker,
// including an open circuit breaker, are connection faults.
func (c *Connector) Connect(ctx context.Context, groupName string) (messaging.Channel, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, messaging.ErrDisposed
	}

	config, ok := c.byName[groupName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrChannelGroupNotFound, groupName)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		model, err := c.opener.OpenModel(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.declare(config, model); err != nil {
			_ = model.Close()
			return nil, err
		}
		return model, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("channel open rejected by circuit breaker", "group", groupName, "state", c.breaker.State().String())
		}
		return nil, messaging.NewChannelError("connect", groupName, err)
	}

	model := result.(rabbitmq.Model)
	channel, err := rabbitmq.NewChannel(model, config, c.adapter, rabbitmq.WithChannelLogger(c.logger))
	if err != nil {
		_ = model.Close()
		return nil, err
	}

	c.logger.Debug("channel opened", "group", groupName)
	return channel, nil
}

// declare runs the group's topology once per broker connection
func (c *Connector) declare(config messaging.ChannelGroupConfig, model rabbitmq.Model) error {
	if !c.topology {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.declared[config.GroupName] {
		return nil
	}
	if err := rabbitmq.GroupTopology(config).Declare(model); err != nil {
		return err
	}
	c.declared[config.GroupName] = true
	return nil
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *Connector) OnConnected() {
	c.logger.Info("rabbitmq connector connected", "url", rabbitmq.SanitizeURL(c.url))
}

// OnDisconnected forgets declared topology; the broker may have lost it
func (c *Connector) OnDisconnected(err error) {
	c.mu.Lock()
	c.declared = make(map[string]bool)
	c.mu.Unlock()
	c.logger.Warn("rabbitmq connector disconnected", "url", rabbitmq.SanitizeURL(c.url), "error", err)
}

// BreakerState reports the circuit breaker state
func (c *Connector) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Connected reports whether a broker connection is currently open. Openers
// that cannot tell are reported as connected.
func (c *Connector) Connected() bool {
	if reporter, ok := c.opener.(interface{ IsConnected() bool }); ok {
		return reporter.IsConnected()
	}
	return true
}

// Close closes the broker connection. It is idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.opener.Close()
}
