package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/internal/reliability"
)

// DefaultChannelGroup serves one configured channel group with a dispatch
// worker group and, unless dispatch-only, a receive worker group.
type DefaultChannelGroup struct {
	config    ChannelGroupConfig
	connector Connector
	logger    *slog.Logger

	mu          sync.Mutex
	initialized bool
	receiving   bool
	disposed    bool
	dispatchers *WorkerGroup
	receivers   *WorkerGroup
}

// ChannelGroupOption configures a channel group
type ChannelGroupOption func(*DefaultChannelGroup)

// WithChannelGroupLogger sets the logger
func WithChannelGroupLogger(logger *slog.Logger) ChannelGroupOption {
	return func(g *DefaultChannelGroup) {
		g.logger = logger
	}
}

// NewDefaultChannelGroupFactory returns a factory producing DefaultChannelGroup
func NewDefaultChannelGroupFactory(opts ...ChannelGroupOption) ChannelGroupFactory {
	return func(connector Connector, config ChannelGroupConfig) (ChannelGroup, error) {
		return NewDefaultChannelGroup(connector, config, opts...)
	}
}

// NewDefaultChannelGroup creates a channel group for config
func NewDefaultChannelGroup(connector Connector, config ChannelGroupConfig, opts ...ChannelGroupOption) (*DefaultChannelGroup, error) {
	if connector == nil {
		return nil, argumentError("NewDefaultChannelGroup", "connector", "cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	g := &DefaultChannelGroup{
		config:    config.WithDefaults(),
		connector: connector,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Config implements ChannelGroup
func (g *DefaultChannelGroup) Config() ChannelGroupConfig {
	return g.config
}

func (g *DefaultChannelGroup) newWorkerGroup(role string, workers int) (*WorkerGroup, error) {
	name := g.config.GroupName
	connect := func(ctx context.Context) (Channel, error) {
		return g.connector.Connect(ctx, name)
	}

	return NewWorkerGroup(name+"/"+role, connect,
		WithWorkers(workers),
		WithWorkQueueSize(g.config.WorkQueueSize),
		WithReconnectBackoff(reliability.NewExponentialBackoff(g.config.ReconnectDelay, g.config.MaxReconnectDelay, 2.0, 0)),
		WithWorkerGroupLogger(g.logger),
	)
}

// Initialize starts the dispatch workers. It is idempotent.
func (g *DefaultChannelGroup) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return ErrDisposed
	}
	if g.initialized {
		return nil
	}

	dispatchers, err := g.newWorkerGroup("dispatch", g.config.DispatchWorkers)
	if err != nil {
		return err
	}
	if err := dispatchers.Start(nil); err != nil {
		return err
	}
	g.dispatchers = dispatchers

	if !g.config.DispatchOnly {
		receivers, err := g.newWorkerGroup("receive", g.config.MinWorkers)
		if err != nil {
			_ = dispatchers.Close()
			return err
		}
		g.receivers = receivers
	}

	g.initialized = true
	g.logger.Info("channel group initialized",
		"group", g.config.GroupName,
		"dispatchOnly", g.config.DispatchOnly,
		"transactionMode", g.config.TransactionMode.String(),
	)
	return nil
}

// BeginReceive starts the receive workers, each running callback for every delivery
func (g *DefaultChannelGroup) BeginReceive(callback ReceiveFunc) error {
	if callback == nil {
		return argumentError("ChannelGroup.BeginReceive", "callback", "cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.disposed:
		return ErrDisposed
	case !g.initialized:
		return ErrNotInitialized
	case g.config.DispatchOnly:
		return ErrDispatchOnly
	case g.receiving:
		return ErrAlreadyReceiving
	}

	if err := g.receivers.Start(receiveActivity(callback)); err != nil {
		return err
	}
	g.receiving = true
	return nil
}

// receiveActivity runs Receive on the worker's channel. Stopping the worker
// begins the channel's shutdown so the message in hand can finish.
func receiveActivity(callback ReceiveFunc) WorkerActivity {
	return func(ctx context.Context, w *Worker) error {
		channel := w.Channel()
		returned := make(chan struct{})
		defer close(returned)

		go func() {
			select {
			case <-w.Done():
				channel.BeginShutdown()
			case <-returned:
			}
		}()

		return channel.Receive(ctx, callback)
	}
}

func (g *DefaultChannelGroup) activeDispatchers() (*WorkerGroup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.disposed:
		return nil, ErrDisposed
	case !g.initialized:
		return nil, ErrNotInitialized
	}
	return g.dispatchers, nil
}

func sendAndCommit(ctx context.Context, channel Channel, envelope *contracts.ChannelEnvelope) error {
	if err := channel.Send(ctx, envelope); err != nil {
		return err
	}
	if tx := channel.CurrentTransaction(); tx != nil && !tx.Finished() {
		return tx.Commit()
	}
	return nil
}

// Dispatch sends envelope on a dispatch worker and waits for the outcome
func (g *DefaultChannelGroup) Dispatch(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	if envelope == nil {
		return argumentError("ChannelGroup.Dispatch", "envelope", "cannot be nil")
	}
	workers, err := g.activeDispatchers()
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	item := func(ctx context.Context, channel Channel) error {
		err := sendAndCommit(ctx, channel, envelope)
		if !IsConnectionFault(err) {
			result <- err
		}
		return err
	}

	if err := workers.Add(ctx, item); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-workers.Closed():
		return ErrDisposed
	}
}

// BeginDispatch queues envelope for sending without waiting
func (g *DefaultChannelGroup) BeginDispatch(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	if envelope == nil {
		return argumentError("ChannelGroup.BeginDispatch", "envelope", "cannot be nil")
	}
	workers, err := g.activeDispatchers()
	if err != nil {
		return err
	}

	group := g.config.GroupName
	return workers.Add(ctx, func(ctx context.Context, channel Channel) error {
		err := sendAndCommit(ctx, channel, envelope)
		if err != nil && !IsConnectionFault(err) {
			g.logger.Error("dispatch failed",
				"group", group,
				"messageId", envelope.Message().MessageID().String(),
				"error", err,
			)
		}
		return err
	})
}

// Close stops and waits for every worker. It is idempotent.
func (g *DefaultChannelGroup) Close() error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil
	}
	g.disposed = true
	receivers, dispatchers := g.receivers, g.dispatchers
	g.mu.Unlock()

	var errs []error
	if receivers != nil {
		errs = append(errs, receivers.Close())
	}
	if dispatchers != nil {
		errs = append(errs, dispatchers.Close())
	}

	g.logger.Info("channel group closed", "group", g.config.GroupName)
	return errors.Join(errs...)
}
