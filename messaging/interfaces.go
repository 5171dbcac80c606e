package messaging

import (
	"context"

	"github.com/glimte/msgbus-go/contracts"
)

// DeliveryContext is what a receive callback sees for the current message
type DeliveryContext interface {
	// CurrentMessage returns the message being handled, nil between deliveries
	CurrentMessage() *contracts.ChannelMessage

	// CurrentTransaction returns the unit of work for the current delivery
	CurrentTransaction() Transaction

	// CurrentResolver returns the dependency scope for the current delivery, if any
	CurrentResolver() DependencyResolver

	// Send publishes an envelope inside the current transaction
	Send(ctx context.Context, envelope *contracts.ChannelEnvelope) error
}

// ReceiveFunc handles one delivered message
type ReceiveFunc func(ctx context.Context, delivery DeliveryContext) error

// Channel is a single logical link to the broker
type Channel interface {
	DeliveryContext

	// GroupName returns the channel group this channel belongs to
	GroupName() string

	// Receive runs the receive loop until ctx is done, shutdown begins or
	// the broker link fails. It may be called at most once.
	Receive(ctx context.Context, callback ReceiveFunc) error

	// BeginShutdown stops the receive loop before the next message
	BeginShutdown()

	// Close releases the channel; it is safe to call more than once
	Close() error
}

// Transaction is the unit of work for one delivery.
// Once Finished reports true it never reports false again.
type Transaction interface {
	Finished() bool
	Register(callback func() error) error
	Commit() error
	Rollback() error
	Close() error
}

// DependencyResolver is a dependency scope owned by the caller
type DependencyResolver interface {
	CreateNestedResolver() (DependencyResolver, error)
	Close() error
}

// Connector produces channels for the channel groups it is configured with
type Connector interface {
	ChannelGroups() []ChannelGroupConfig
	Connect(ctx context.Context, groupName string) (Channel, error)
	Close() error
}

// ChannelGroup owns the workers serving one configured channel group
type ChannelGroup interface {
	Config() ChannelGroupConfig
	Initialize(ctx context.Context) error
	BeginReceive(callback ReceiveFunc) error
	Dispatch(ctx context.Context, envelope *contracts.ChannelEnvelope) error
	BeginDispatch(ctx context.Context, envelope *contracts.ChannelEnvelope) error
	Close() error
}

// ChannelGroupFactory builds a channel group for one connector configuration
type ChannelGroupFactory func(connector Connector, config ChannelGroupConfig) (ChannelGroup, error)
