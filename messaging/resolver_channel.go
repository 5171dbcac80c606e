package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/msgbus-go/contracts"
)

// DependencyResolverChannel decorates a channel so every delivery runs
// inside its own nested dependency scope.
type DependencyResolverChannel struct {
	channel  Channel
	resolver DependencyResolver

	mu       sync.RWMutex
	delivery DeliveryContext
	scope    DependencyResolver
}

// NewDependencyResolverChannel wraps channel with the root resolver
func NewDependencyResolverChannel(channel Channel, resolver DependencyResolver) (*DependencyResolverChannel, error) {
	if channel == nil {
		return nil, argumentError("NewDependencyResolverChannel", "channel", "cannot be nil")
	}
	if resolver == nil {
		return nil, argumentError("NewDependencyResolverChannel", "resolver", "cannot be nil")
	}

	return &DependencyResolverChannel{
		channel:  channel,
		resolver: resolver,
	}, nil
}

// GroupName implements Channel
func (c *DependencyResolverChannel) GroupName() string {
	return c.channel.GroupName()
}

// CurrentMessage implements DeliveryContext
func (c *DependencyResolverChannel) CurrentMessage() *contracts.ChannelMessage {
	if d := c.currentDelivery(); d != nil {
		return d.CurrentMessage()
	}
	return c.channel.CurrentMessage()
}

// CurrentTransaction implements DeliveryContext
func (c *DependencyResolverChannel) CurrentTransaction() Transaction {
	if d := c.currentDelivery(); d != nil {
		return d.CurrentTransaction()
	}
	return c.channel.CurrentTransaction()
}

// CurrentResolver returns the nested scope while a delivery is being
// handled and the root resolver otherwise.
func (c *DependencyResolverChannel) CurrentResolver() DependencyResolver {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.scope != nil {
		return c.scope
	}
	return c.resolver
}

// Send implements DeliveryContext
func (c *DependencyResolverChannel) Send(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	if d := c.currentDelivery(); d != nil {
		return d.Send(ctx, envelope)
	}
	return c.channel.Send(ctx, envelope)
}

// Receive implements Channel
func (c *DependencyResolverChannel) Receive(ctx context.Context, callback ReceiveFunc) error {
	if callback == nil {
		return argumentError("DependencyResolverChannel.Receive", "callback", "cannot be nil")
	}

	return c.channel.Receive(ctx, func(ctx context.Context, delivery DeliveryContext) error {
		return c.handle(ctx, delivery, callback)
	})
}

func (c *DependencyResolverChannel) handle(ctx context.Context, delivery DeliveryContext, callback ReceiveFunc) (err error) {
	scope, err := c.resolver.CreateNestedResolver()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.delivery = delivery
	c.scope = scope
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.delivery = nil
		c.scope = nil
		c.mu.Unlock()

		if closeErr := scope.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return callback(ctx, c)
}

func (c *DependencyResolverChannel) currentDelivery() DeliveryContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delivery
}

// BeginShutdown implements Channel
func (c *DependencyResolverChannel) BeginShutdown() {
	c.channel.BeginShutdown()
}

// Close closes the wrapped channel and the root resolver
func (c *DependencyResolverChannel) Close() error {
	return errors.Join(c.channel.Close(), c.resolver.Close())
}
