package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// errShutdown ends a receive loop once shutdown has begun
var errShutdown = errors.New("rabbitmq: receive loop stopped for shutdown")

// Channel is a messaging.Channel on one AMQP channel. It owns the retry,
// poison and dead-letter handling of the messages it receives.
type Channel struct {
	model   Model
	config  messaging.ChannelGroupConfig
	adapter *MessageAdapter
	logger  *slog.Logger

	mu            sync.Mutex
	tx            *Transaction
	current       *contracts.ChannelMessage
	sub           *Subscription
	cancelReceive context.CancelFunc
	receiving     bool
	shuttingDown  bool
	closing       bool
	disposed      bool

	closeOnce sync.Once
	closeErr  error
}

var _ messaging.Channel = (*Channel)(nil)

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannel wraps model for the channel group described by config. Full
// transaction mode selects a broker transaction up front and a positive
// channel buffer sets the prefetch count of receiving channels.
func NewChannel(model Model, config messaging.ChannelGroupConfig, adapter *MessageAdapter, opts ...ChannelOption) (*Channel, error) {
	const op = "rabbitmq.NewChannel"

	if model == nil {
		return nil, contracts.NewArgumentError(op, "model", "cannot be nil")
	}
	if adapter == nil {
		return nil, contracts.NewArgumentError(op, "adapter", "cannot be nil")
	}

	c := &Channel{
		model:   model,
		config:  config.WithDefaults(),
		adapter: adapter,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.config.TransactionMode == messaging.TransactionFull {
		if err := model.Tx(); err != nil {
			return nil, messaging.NewChannelError("tx-select", c.config.GroupName, err)
		}
	}
	if c.config.ChannelBuffer > 0 && !c.config.DispatchOnly {
		if err := model.Qos(c.config.ChannelBuffer, 0, false); err != nil {
			return nil, messaging.NewChannelError("qos", c.config.GroupName, err)
		}
	}

	c.tx = NewTransaction(c, c.config.TransactionMode)
	return c, nil
}

// GroupName returns the channel group name
func (c *Channel) GroupName() string {
	return c.config.GroupName
}

// CurrentMessage returns the message being handled
func (c *Channel) CurrentMessage() *contracts.ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CurrentTransaction returns the open or most recent transaction
func (c *Channel) CurrentTransaction() messaging.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

// CurrentResolver always returns nil; resolvers are layered on by
// messaging.DependencyResolverChannel.
func (c *Channel) CurrentResolver() messaging.DependencyResolver {
	return nil
}

// Receive consumes the input queue until ctx is done, BeginShutdown is
// called or the broker link fails. Only connection faults are returned;
// every other failure is handled by retry, poison or dead-letter routing.
func (c *Channel) Receive(ctx context.Context, callback messaging.ReceiveFunc) error {
	if callback == nil {
		return contracts.NewArgumentError("Channel.Receive", "callback", "cannot be nil")
	}

	c.mu.Lock()
	switch {
	case c.disposed || c.closing:
		c.mu.Unlock()
		return messaging.ErrDisposed
	case c.config.DispatchOnly:
		c.mu.Unlock()
		return messaging.ErrDispatchOnly
	case c.receiving:
		c.mu.Unlock()
		return messaging.ErrAlreadyReceiving
	case c.shuttingDown:
		c.mu.Unlock()
		return messaging.ErrShuttingDown
	}

	// Cancelling ctx stops the loop only. The cycle in flight runs on a
	// context that keeps ctx's values but is never cancelled.
	loopCtx, cancel := context.WithCancel(ctx)
	cycleCtx := context.WithoutCancel(ctx)
	sub := NewSubscription(c.model, c.config, c.logger)
	c.receiving = true
	c.sub = sub
	c.cancelReceive = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Debug("channel receiving", "group", c.config.GroupName, "queue", c.config.InputQueue)

	err := sub.Receive(loopCtx, c.config.ReceiveTimeout, func(d *amqp.Delivery) error {
		return c.deliver(cycleCtx, d, callback)
	})
	if errors.Is(err, errShutdown) {
		return nil
	}
	return err
}

// deliver runs one receive cycle. A nil frame is a receive timeout.
func (c *Channel) deliver(ctx context.Context, d *amqp.Delivery, callback messaging.ReceiveFunc) error {
	tx, err := c.beginCycle()
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}
	tx.markUsed()

	msg, err := c.adapter.Build(d)
	if err != nil {
		c.logger.Debug("message could not be translated", "group", c.config.GroupName, "messageId", d.MessageId, "error", err)
		return c.deadLetter(ctx, tx, d, err)
	}
	defer c.adapter.PurgeFromCache(msg)

	c.mu.Lock()
	c.current = msg
	c.mu.Unlock()

	result := c.invoke(ctx, callback)

	switch messaging.Classify(result) {
	case messaging.DispositionDelivered:
		SetAttemptCount(d, 0)
		return nil

	case messaging.DispositionConnectionFault:
		c.logger.Warn("connection fault while handling message",
			"group", c.config.GroupName, "messageId", msg.MessageID(), "error", result)
		_ = tx.Close()
		return result

	case messaging.DispositionDeadLetter:
		return c.deadLetter(ctx, tx, d, result)

	case messaging.DispositionPoison:
		return c.poison(ctx, tx, d, result)

	default:
		return c.retry(ctx, tx, d, result)
	}
}

// beginCycle disposes the previous transaction and starts a new one. A
// transaction no frame or send used is dropped without touching the broker.
func (c *Channel) beginCycle() (*Transaction, error) {
	c.mu.Lock()
	if c.shuttingDown || c.disposed || c.closing {
		c.mu.Unlock()
		return nil, errShutdown
	}
	previous := c.tx
	tx := NewTransaction(c, c.config.TransactionMode)
	c.tx = tx
	c.current = nil
	c.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			c.logger.Error("failed to roll back unfinished transaction", "group", c.config.GroupName, "error", err)
		}
	}
	return tx, nil
}

// invoke calls the callback, turning a panic into a retryable failure
func (c *Channel) invoke(ctx context.Context, callback messaging.ReceiveFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receive callback panicked: %v", r)
		}
	}()
	return callback(ctx, c)
}

func (c *Channel) retry(ctx context.Context, tx *Transaction, d *amqp.Delivery, cause error) error {
	attempt := AttemptCount(d) + 1
	if attempt > c.config.MaxAttempts {
		return c.poison(ctx, tx, d, cause)
	}

	SetAttemptCount(d, attempt)
	c.logger.Debug("message failed, retrying",
		"group", c.config.GroupName, "messageId", d.MessageId, "attempt", attempt, "error", cause)

	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	sub.RetryMessage(d)

	return c.finish(tx.Rollback())
}

func (c *Channel) poison(ctx context.Context, tx *Transaction, d *amqp.Delivery, cause error) error {
	SetAttemptCount(d, 0)
	AppendException(d, cause)

	if c.config.PoisonMessageAddress == "" {
		c.logger.Error("poison message dropped, no poison exchange configured",
			"group", c.config.GroupName, "messageId", d.MessageId, "error", cause)
	} else {
		c.logger.Error("message moved to poison exchange",
			"group", c.config.GroupName, "messageId", d.MessageId, "exchange", c.config.PoisonMessageAddress, "error", cause)
		if err := c.forward(ctx, c.config.PoisonMessageAddress, d); err != nil {
			_ = tx.Close()
			return err
		}
	}

	return c.finish(tx.Commit())
}

func (c *Channel) deadLetter(ctx context.Context, tx *Transaction, d *amqp.Delivery, cause error) error {
	if c.config.DeadLetterAddress == "" {
		c.logger.Warn("dead letter dropped, no dead-letter exchange configured",
			"group", c.config.GroupName, "messageId", d.MessageId, "error", cause)
	} else {
		c.logger.Warn("message moved to dead-letter exchange",
			"group", c.config.GroupName, "messageId", d.MessageId, "exchange", c.config.DeadLetterAddress, "error", cause)
		if err := c.forward(ctx, c.config.DeadLetterAddress, d); err != nil {
			_ = tx.Close()
			return err
		}
	}

	return c.finish(tx.Commit())
}

// forward republishes a received frame as is. The broker TTL is cleared so
// the frame is not expired again on the way out.
func (c *Channel) forward(ctx context.Context, exchange string, d *amqp.Delivery) error {
	publishing := FramePublishing(d)
	publishing.Expiration = ""
	return c.publish(ctx, exchange, c.config.InputQueue, publishing)
}

// finish reports connection faults and logs anything else
func (c *Channel) finish(err error) error {
	if err == nil {
		return nil
	}
	if messaging.IsConnectionFault(err) {
		return err
	}
	c.logger.Error("failed to complete transaction", "group", c.config.GroupName, "error", err)
	return nil
}

// Send publishes the envelope's message to every recipient
func (c *Channel) Send(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	if envelope == nil {
		return contracts.NewArgumentError("Channel.Send", "envelope", "cannot be nil")
	}

	c.mu.Lock()
	switch {
	case c.disposed || c.closing:
		c.mu.Unlock()
		return messaging.ErrDisposed
	case c.shuttingDown && !c.receiving:
		c.mu.Unlock()
		return messaging.ErrShuttingDown
	}
	tx := c.tx
	c.mu.Unlock()

	if tx.Finished() {
		fresh := NewTransaction(c, c.config.TransactionMode)
		c.mu.Lock()
		if c.tx == tx {
			c.tx = fresh
		}
		tx = c.tx
		c.mu.Unlock()
	}

	publishing, err := c.adapter.ToPublishing(envelope.Message())
	if err != nil {
		return err
	}

	// Every recipient must resolve before anything is published.
	recipients := envelope.Recipients()
	targets := make([]publishTarget, 0, len(recipients))
	for _, recipient := range recipients {
		exchange, key, err := c.resolve(recipient)
		if err != nil {
			return err
		}
		targets = append(targets, publishTarget{exchange: exchange, key: key})
	}

	tx.markUsed()
	for _, target := range targets {
		if err := c.publish(ctx, target.exchange, target.key, publishing); err != nil {
			return err
		}
	}
	return nil
}

type publishTarget struct {
	exchange string
	key      string
}

// resolve maps a recipient address to an exchange and routing key. The
// error addresses need their exchange configured; an empty exchange would
// route straight back to the input queue.
func (c *Channel) resolve(recipient string) (string, string, error) {
	switch recipient {
	case contracts.LoopbackAddress:
		return "", c.config.InputQueue, nil
	case contracts.DeadLetterAddress:
		return c.errorExchange(recipient, c.config.DeadLetterAddress)
	case contracts.PoisonMessageAddress:
		return c.errorExchange(recipient, c.config.PoisonMessageAddress)
	}

	address, err := ParseAddress(recipient)
	if err != nil {
		return "", "", err
	}
	return address.Exchange, address.RoutingKey, nil
}

func (c *Channel) errorExchange(recipient, exchange string) (string, string, error) {
	if exchange == "" {
		return "", "", fmt.Errorf("%w: %s has no exchange configured in group %s", ErrInvalidAddress, recipient, c.config.GroupName)
	}
	return exchange, c.config.InputQueue, nil
}

func (c *Channel) publish(ctx context.Context, exchange, key string, publishing amqp.Publishing) error {
	if err := c.model.PublishWithContext(ctx, exchange, key, false, false, publishing); err != nil {
		return messaging.NewChannelError("publish", c.config.GroupName, err)
	}
	return nil
}

// AcknowledgeMessage acknowledges the frames received so far
func (c *Channel) AcknowledgeMessage() error {
	c.mu.Lock()
	disposed, sub := c.disposed, c.sub
	c.mu.Unlock()

	if disposed {
		return messaging.ErrDisposed
	}
	if sub == nil || c.config.TransactionMode == messaging.TransactionNone {
		return nil
	}
	if err := sub.AcknowledgeMessage(); err != nil {
		return messaging.NewChannelError("ack", c.config.GroupName, err)
	}
	return nil
}

// CommitTransaction commits the broker transaction in full transaction mode
func (c *Channel) CommitTransaction() error {
	if c.isDisposed() {
		return messaging.ErrDisposed
	}
	if c.config.TransactionMode != messaging.TransactionFull {
		return nil
	}
	if err := c.model.TxCommit(); err != nil {
		return messaging.NewChannelError("tx-commit", c.config.GroupName, err)
	}
	return nil
}

// RollbackTransaction rolls back the broker transaction in full transaction mode
func (c *Channel) RollbackTransaction() error {
	if c.isDisposed() {
		return messaging.ErrDisposed
	}
	if c.config.TransactionMode != messaging.TransactionFull {
		return nil
	}
	if err := c.model.TxRollback(); err != nil {
		return messaging.NewChannelError("tx-rollback", c.config.GroupName, err)
	}
	return nil
}

func (c *Channel) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// BeginShutdown stops receiving before the next message. The cycle in
// flight runs to completion.
func (c *Channel) BeginShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return
	}
	c.shuttingDown = true
	if c.cancelReceive != nil {
		c.cancelReceive()
	}
	c.logger.Debug("channel shutting down", "group", c.config.GroupName)
}

// Close rolls back any open transaction, cancels the subscription and
// closes the AMQP channel. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.shuttingDown = true
		if c.cancelReceive != nil {
			c.cancelReceive()
		}
		tx, sub := c.tx, c.sub
		c.mu.Unlock()

		var errs []error
		if tx != nil {
			if err := tx.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		c.mu.Lock()
		c.disposed = true
		c.current = nil
		c.mu.Unlock()

		if err := c.model.Close(); err != nil && !IsConnectionLevel(err) {
			errs = append(errs, err)
		}

		c.closeErr = errors.Join(errs...)
		c.logger.Debug("channel closed", "group", c.config.GroupName)
	})
	return c.closeErr
}
