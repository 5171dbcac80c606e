// Copyright 2024 Msgbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package msgbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/msgbus-go/config"
	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/health"
	"github.com/glimte/msgbus-go/messaging"
	"github.com/glimte/msgbus-go/serialization"
	rabbitmqTransport "github.com/glimte/msgbus-go/transports/rabbitmq"
)

// Client provides the main entry point for msgbus-go. It owns one messaging
// host, the routing table its receive workers dispatch into and the type
// registry used to encode payloads.
type Client struct {
	host     *messaging.Host
	routes   *messaging.RoutingTable
	registry serialization.TypeRegistry
	health   *health.Registry
	logger   *slog.Logger
}

type clientConfig struct {
	logger           *slog.Logger
	registry         serialization.TypeRegistry
	resolver         messaging.DependencyResolver
	connector        messaging.Connector
	connectorOptions []rabbitmqTransport.ConnectorOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger used by every component of the client
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTypeRegistry sets the registry mapping payload type names to Go types
func WithTypeRegistry(registry serialization.TypeRegistry) ClientOption {
	return func(c *clientConfig) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithDependencyResolver gives every channel a nested scope of resolver and
// every delivery a scope nested in that
func WithDependencyResolver(resolver messaging.DependencyResolver) ClientOption {
	return func(c *clientConfig) {
		c.resolver = resolver
	}
}

// WithConnector replaces the RabbitMQ connector. The connector's channel
// groups replace the configured ones.
func WithConnector(connector messaging.Connector) ClientOption {
	return func(c *clientConfig) {
		c.connector = connector
	}
}

// WithConnectorOptions passes options to the RabbitMQ connector
func WithConnectorOptions(opts ...rabbitmqTransport.ConnectorOption) ClientOption {
	return func(c *clientConfig) {
		c.connectorOptions = append(c.connectorOptions, opts...)
	}
}

// NewClientFromFile loads configuration from a YAML file and creates a client
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, options...)
}

// NewClient creates a client for cfg. Nothing is dialed until Start.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cc)
	}

	if cc.registry == nil {
		cc.registry = serialization.NewTypeRegistry()
	}

	checks := health.NewRegistry()

	connector := cc.connector
	if connector == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		opts := append([]rabbitmqTransport.ConnectorOption{
			rabbitmqTransport.WithLogger(cc.logger),
			rabbitmqTransport.WithSerializer(serialization.NewJSONSerializer(serialization.WithTypeRegistry(cc.registry))),
			rabbitmqTransport.WithTopology(cfg.DeclareTopology),
			rabbitmqTransport.WithBreakerSettings(rabbitmqTransport.BreakerSettings{
				ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
				Timeout:             cfg.Breaker.Timeout,
				MaxRequests:         1,
			}),
		}, cc.connectorOptions...)

		transport, err := rabbitmqTransport.NewConnector(cfg.URL, cfg.ChannelGroups, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create connector: %w", err)
		}
		connector = transport
		checks.Register(health.NewBrokerChecker(transport))
	}
	expected := len(connector.ChannelGroups())

	if cc.resolver != nil {
		connector = &resolvingConnector{Connector: connector, resolver: cc.resolver}
	}

	host, err := messaging.NewHost(
		messaging.NewDefaultChannelGroupFactory(messaging.WithChannelGroupLogger(cc.logger)),
		[]messaging.Connector{connector},
		messaging.WithHostLogger(cc.logger),
	)
	if err != nil {
		_ = connector.Close()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	checks.Register(health.NewGroupsChecker(expected, host.GroupNames))

	return &Client{
		host:     host,
		routes:   messaging.NewRoutingTable(messaging.WithRoutingLogger(cc.logger)),
		registry: cc.registry,
		health:   checks,
		logger:   cc.logger,
	}, nil
}

// Registry returns the payload type registry
func (c *Client) Registry() serialization.TypeRegistry {
	return c.registry
}

// Routes returns the routing table receive workers dispatch into
func (c *Client) Routes() *messaging.RoutingTable {
	return c.routes
}

// GroupNames lists the channel groups, empty before Start
func (c *Client) GroupNames() []string {
	return c.host.GroupNames()
}

// Health runs the client's health checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// Start initializes every channel group and begins receiving on those that
// are not dispatch-only. Handlers should be registered before Start.
func (c *Client) Start(ctx context.Context) error {
	if err := c.host.Initialize(ctx); err != nil {
		return err
	}
	if err := c.host.BeginReceive(c.routes.Receive); err != nil {
		return err
	}
	c.logger.Info("msgbus client started", "groups", c.host.GroupNames())
	return nil
}

// Send dispatches message on groupName and waits until it has been handed
// to the broker
func (c *Client) Send(ctx context.Context, groupName string, message *contracts.ChannelMessage, recipients ...string) error {
	if err := c.registerPayloads(message); err != nil {
		return err
	}
	return c.host.Dispatch(ctx, groupName, message, recipients...)
}

// BeginSend queues message on groupName without waiting for the outcome
func (c *Client) BeginSend(ctx context.Context, groupName string, message *contracts.ChannelMessage, recipients ...string) error {
	if err := c.registerPayloads(message); err != nil {
		return err
	}
	return c.host.BeginDispatch(ctx, groupName, message, recipients...)
}

// Publish sends a single persistent payload on groupName
func (c *Client) Publish(ctx context.Context, groupName string, payload any, recipients ...string) error {
	if payload == nil {
		return contracts.NewArgumentError("Client.Publish", "payload", "cannot be nil")
	}
	message := contracts.NewChannelMessage([]any{payload}, contracts.WithPersistent(true))
	return c.Send(ctx, groupName, message, recipients...)
}

func (c *Client) registerPayloads(message *contracts.ChannelMessage) error {
	if message == nil {
		return nil
	}
	for _, payload := range message.Messages() {
		if err := c.register(payload); err != nil {
			return err
		}
	}
	return nil
}

// register adds the payload's type under its package-qualified name unless
// it is already known under another name
func (c *Client) register(payload any) error {
	if _, err := c.registry.GetTypeName(payload); err == nil {
		return nil
	} else if !errors.Is(err, serialization.ErrUnknownType) {
		return err
	}
	return c.registry.RegisterType(payload)
}

// Close stops every channel group and closes the broker connection
func (c *Client) Close() error {
	return c.host.Close()
}

// Handle registers handler for payloads of type T and makes T known to the
// type registry. T is normally a struct pointer, the form payloads are
// decoded into.
func Handle[T any](c *Client, handler messaging.Handler[T], sequence int) error {
	if c == nil {
		return contracts.NewArgumentError("Handle", "client", "cannot be nil")
	}
	var zero T
	if err := c.register(zero); err != nil {
		return fmt.Errorf("failed to register payload type: %w", err)
	}
	return messaging.AddHandler(c.routes, handler, sequence)
}

// HandleFunc is Handle for a plain function
func HandleFunc[T any](c *Client, fn func(ctx context.Context, hc messaging.HandlerContext, message T) error, sequence int) error {
	if fn == nil {
		return contracts.NewArgumentError("HandleFunc", "fn", "cannot be nil")
	}
	return Handle[T](c, messaging.HandlerFunc[T](fn), sequence)
}

// resolvingConnector wraps every channel in a DependencyResolverChannel
// owning a nested scope of the root resolver
type resolvingConnector struct {
	messaging.Connector
	resolver messaging.DependencyResolver
}

func (r *resolvingConnector) Connect(ctx context.Context, groupName string) (messaging.Channel, error) {
	channel, err := r.Connector.Connect(ctx, groupName)
	if err != nil {
		return nil, err
	}

	scope, err := r.resolver.CreateNestedResolver()
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("failed to create channel scope: %w", err)
	}

	wrapped, err := messaging.NewDependencyResolverChannel(channel, scope)
	if err != nil {
		_ = scope.Close()
		_ = channel.Close()
		return nil, err
	}
	return wrapped, nil
}
