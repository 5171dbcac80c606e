package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func testGroupConfig(mode messaging.TransactionMode) messaging.ChannelGroupConfig {
	return messaging.ChannelGroupConfig{
		GroupName:            "orders",
		InputQueue:           "orders",
		TransactionMode:      mode,
		ReceiveTimeout:       time.Hour,
		MaxAttempts:          2,
		DeadLetterAddress:    "dead-letters",
		PoisonMessageAddress: "poison",
	}
}

func newTestChannel(t *testing.T, model *MockModel, config messaging.ChannelGroupConfig) *Channel {
	t.Helper()
	if config.TransactionMode == messaging.TransactionFull {
		model.On("Tx").Return(nil).Once()
	}
	channel, err := NewChannel(model, config, NewMessageAdapter(newTestSerializer(t)))
	require.NoError(t, err)
	return channel
}

type receiveHarness struct {
	channel    *Channel
	model      *MockModel
	deliveries chan amqp.Delivery
	done       chan error
}

// startReceiving runs Receive in the background on a consumer fed by the
// returned harness
func startReceiving(t *testing.T, model *MockModel, config messaging.ChannelGroupConfig, callback messaging.ReceiveFunc) *receiveHarness {
	t.Helper()

	deliveries := make(chan amqp.Delivery, 8)
	autoAck := config.TransactionMode == messaging.TransactionNone
	model.On("Consume", config.InputQueue, mock.Anything, autoAck, false, false, false, mock.Anything).Return(deliveries, nil).Once()
	model.On("Cancel", mock.Anything, false).Return(nil).Maybe()
	model.On("Close").Return(nil).Maybe()

	h := &receiveHarness{
		channel:    newTestChannel(t, model, config),
		model:      model,
		deliveries: deliveries,
		done:       make(chan error, 1),
	}

	go func() {
		h.done <- h.channel.Receive(context.Background(), callback)
	}()

	t.Cleanup(func() { _ = h.channel.Close() })
	return h
}

func (h *receiveHarness) push(d *amqp.Delivery) {
	h.deliveries <- *d
}

// result waits for Receive to return
func (h *receiveHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("Receive did not return")
		return nil
	}
}

// stop begins shutdown and waits for Receive to return
func (h *receiveHarness) stop(t *testing.T) error {
	t.Helper()
	h.channel.BeginShutdown()
	return h.result(t)
}

// waitConsuming waits until the channel's consumer is registered
func waitConsuming(t *testing.T, c *Channel) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub == nil {
			return false
		}
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.consuming
	}, waitFor, 5*time.Millisecond)
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for callback")
	}
}

func TestNewChannel(t *testing.T) {
	t.Run("full mode selects a broker transaction", func(t *testing.T) {
		model := &MockModel{}
		newTestChannel(t, model, testGroupConfig(messaging.TransactionFull))
		model.AssertCalled(t, "Tx")
	})

	t.Run("failing tx select is a connection fault", func(t *testing.T) {
		model := &MockModel{}
		model.On("Tx").Return(amqp.ErrClosed)

		_, err := NewChannel(model, testGroupConfig(messaging.TransactionFull), NewMessageAdapter(newTestSerializer(t)))
		assert.ErrorIs(t, err, messaging.ErrChannelConnection)
	})

	t.Run("channel buffer sets prefetch", func(t *testing.T) {
		model := &MockModel{}
		model.On("Qos", 5, 0, false).Return(nil).Once()

		config := testGroupConfig(messaging.TransactionAcknowledge)
		config.ChannelBuffer = 5
		newTestChannel(t, model, config)

		model.AssertExpectations(t)
	})

	t.Run("dispatch-only channel skips prefetch", func(t *testing.T) {
		model := &MockModel{}
		config := testGroupConfig(messaging.TransactionAcknowledge)
		config.ChannelBuffer = 5
		config.DispatchOnly = true

		newTestChannel(t, model, config)
		model.AssertNotCalled(t, "Qos", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("transaction is open from the start", func(t *testing.T) {
		channel := newTestChannel(t, &MockModel{}, testGroupConfig(messaging.TransactionNone))
		require.NotNil(t, channel.CurrentTransaction())
		assert.False(t, channel.CurrentTransaction().Finished())
		assert.Nil(t, channel.CurrentMessage())
		assert.Nil(t, channel.CurrentResolver())
		assert.Equal(t, "orders", channel.GroupName())
	})

	t.Run("nil arguments are rejected", func(t *testing.T) {
		_, err := NewChannel(nil, testGroupConfig(messaging.TransactionNone), NewMessageAdapter(newTestSerializer(t)))
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)

		_, err = NewChannel(&MockModel{}, testGroupConfig(messaging.TransactionNone), nil)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})
}

func TestChannelReceiveState(t *testing.T) {
	noop := func(ctx context.Context, delivery messaging.DeliveryContext) error { return nil }

	t.Run("nil callback is rejected", func(t *testing.T) {
		channel := newTestChannel(t, &MockModel{}, testGroupConfig(messaging.TransactionNone))
		assert.ErrorIs(t, channel.Receive(context.Background(), nil), contracts.ErrInvalidArgument)
	})

	t.Run("dispatch-only channel cannot receive", func(t *testing.T) {
		config := testGroupConfig(messaging.TransactionNone)
		config.DispatchOnly = true
		channel := newTestChannel(t, &MockModel{}, config)

		assert.ErrorIs(t, channel.Receive(context.Background(), noop), messaging.ErrDispatchOnly)
	})

	t.Run("second receive fails", func(t *testing.T) {
		h := startReceiving(t, &MockModel{}, testGroupConfig(messaging.TransactionNone), noop)

		waitConsuming(t, h.channel)
		assert.ErrorIs(t, h.channel.Receive(context.Background(), noop), messaging.ErrAlreadyReceiving)

		assert.NoError(t, h.stop(t))
	})

	t.Run("receive after shutdown fails", func(t *testing.T) {
		channel := newTestChannel(t, &MockModel{}, testGroupConfig(messaging.TransactionNone))
		channel.BeginShutdown()

		assert.ErrorIs(t, channel.Receive(context.Background(), noop), messaging.ErrShuttingDown)
	})

	t.Run("receive after close fails", func(t *testing.T) {
		model := &MockModel{}
		model.On("Close").Return(nil)
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))
		require.NoError(t, channel.Close())

		assert.ErrorIs(t, channel.Receive(context.Background(), noop), messaging.ErrDisposed)
	})

	t.Run("consume failure is a connection fault", func(t *testing.T) {
		model := &MockModel{}
		model.On("Consume", "orders", mock.Anything, true, false, false, false, mock.Anything).Return(nil, amqp.ErrClosed)
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))

		err := channel.Receive(context.Background(), noop)
		assert.ErrorIs(t, err, messaging.ErrChannelConnection)
	})

	t.Run("closed delivery stream is a connection fault", func(t *testing.T) {
		h := startReceiving(t, &MockModel{}, testGroupConfig(messaging.TransactionNone), noop)
		close(h.deliveries)

		assert.ErrorIs(t, h.result(t), messaging.ErrChannelConnection)
	})

	t.Run("timeout starts a fresh transaction", func(t *testing.T) {
		model := &MockModel{}
		config := testGroupConfig(messaging.TransactionNone)
		config.ReceiveTimeout = 10 * time.Millisecond

		deliveries := make(chan amqp.Delivery)
		model.On("Consume", "orders", mock.Anything, true, false, false, false, mock.Anything).Return(deliveries, nil)
		model.On("Cancel", mock.Anything, false).Return(nil)
		channel := newTestChannel(t, model, config)
		initial := channel.CurrentTransaction()

		done := make(chan error, 1)
		go func() { done <- channel.Receive(context.Background(), noop) }()

		require.Eventually(t, func() bool {
			return channel.CurrentTransaction() != initial
		}, waitFor, 5*time.Millisecond)
		assert.True(t, initial.Finished())

		channel.BeginShutdown()
		assert.NoError(t, <-done)
	})

	t.Run("idle timeouts in full mode do not roll back at the broker", func(t *testing.T) {
		model := &MockModel{}
		config := testGroupConfig(messaging.TransactionFull)
		config.ReceiveTimeout = 5 * time.Millisecond

		deliveries := make(chan amqp.Delivery)
		model.On("Consume", "orders", mock.Anything, false, false, false, false, mock.Anything).Return(deliveries, nil)
		model.On("Cancel", mock.Anything, false).Return(nil)
		channel := newTestChannel(t, model, config)

		done := make(chan error, 1)
		go func() { done <- channel.Receive(context.Background(), noop) }()

		seen := map[messaging.Transaction]bool{channel.CurrentTransaction(): true}
		require.Eventually(t, func() bool {
			seen[channel.CurrentTransaction()] = true
			return len(seen) >= 3
		}, waitFor, time.Millisecond)

		channel.BeginShutdown()
		assert.NoError(t, <-done)
		model.AssertNotCalled(t, "TxRollback")
	})

	t.Run("cancelling the receive context lets the message in hand finish", func(t *testing.T) {
		model := &MockModel{}
		deliveries := make(chan amqp.Delivery, 1)
		model.On("Consume", "orders", mock.Anything, false, false, false, false, mock.Anything).Return(deliveries, nil)
		model.On("Cancel", mock.Anything, false).Return(nil).Maybe()
		model.On("Ack", uint64(1), true).Return(nil).Once()
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionAcknowledge))

		entered := make(chan struct{})
		release := make(chan struct{})
		var handlerCtxErr error
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			close(entered)
			<-release
			handlerCtxErr = ctx.Err()
			return delivery.CurrentTransaction().Commit()
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- channel.Receive(ctx, callback) }()

		deliveries <- *newTestFrame(t, newTestSerializer(t), &OrderPlaced{OrderID: "o-1"})
		waitSignal(t, entered)
		cancel()
		close(release)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Receive did not return")
		}
		assert.NoError(t, handlerCtxErr)
		assert.True(t, channel.CurrentTransaction().Finished())
		model.AssertExpectations(t)
	})

	t.Run("cancelled context ends receive", func(t *testing.T) {
		model := &MockModel{}
		deliveries := make(chan amqp.Delivery)
		model.On("Consume", "orders", mock.Anything, true, false, false, false, mock.Anything).Return(deliveries, nil)
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- channel.Receive(ctx, noop) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Receive did not return")
		}
	})
}

func TestChannelDelivery(t *testing.T) {
	serializer := newTestSerializer(t)

	t.Run("handler sees the message inside an open transaction", func(t *testing.T) {
		model := &MockModel{}
		model.On("Ack", uint64(1), true).Return(nil).Once()

		called := make(chan struct{})
		var seen any
		var finishedDuring bool
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			seen = delivery.CurrentMessage().Messages()[0]
			finishedDuring = delivery.CurrentTransaction().Finished()
			err := delivery.CurrentTransaction().Commit()
			close(called)
			return err
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1", Amount: 2}))
		waitSignal(t, called)

		require.NoError(t, h.stop(t))
		assert.Equal(t, &OrderPlaced{OrderID: "o-1", Amount: 2}, seen)
		assert.False(t, finishedDuring)
		assert.True(t, h.channel.CurrentTransaction().Finished())
		model.AssertExpectations(t)
	})

	t.Run("transaction stays open when the handler does not finish it", func(t *testing.T) {
		model := &MockModel{}

		called := make(chan struct{})
		var tx messaging.Transaction
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			tx = delivery.CurrentTransaction()
			close(called)
			return nil
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))
		waitSignal(t, called)
		require.NoError(t, h.stop(t))

		assert.False(t, tx.Finished())
		model.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)

		require.NoError(t, h.channel.Close())
		assert.True(t, tx.Finished())
	})

	t.Run("failing handler is retried then succeeds", func(t *testing.T) {
		model := &MockModel{}
		model.On("TxRollback").Return(nil).Once()
		model.On("Ack", uint64(1), true).Return(nil).Once()
		model.On("TxCommit").Return(nil).Once()

		var mu sync.Mutex
		calls := 0
		succeeded := make(chan struct{})
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("transient")
			}
			close(succeeded)
			return delivery.CurrentTransaction().Commit()
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionFull), callback)
		frame := newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"})
		h.push(frame)
		waitSignal(t, succeeded)
		require.NoError(t, h.stop(t))

		assert.Equal(t, 2, calls)
		_, present := frame.Headers[AttemptCountHeader]
		assert.False(t, present)
		assert.Empty(t, model.Published())
		model.AssertExpectations(t)
	})

	t.Run("exhausted retries go to the poison exchange", func(t *testing.T) {
		model := &MockModel{}
		model.On("TxRollback").Return(nil).Once()
		model.On("PublishWithContext", mock.Anything, "poison", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("Ack", uint64(1), true).Return(nil).Once()
		model.On("TxCommit").Return(nil).Once()

		config := testGroupConfig(messaging.TransactionFull)
		config.MaxAttempts = 1

		var mu sync.Mutex
		calls := 0
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return fmt.Errorf("attempt %d failed", calls)
		}

		h := startReceiving(t, model, config, callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))

		require.Eventually(t, func() bool { return len(model.Published()) == 1 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return h.channel.CurrentTransaction().Finished() }, waitFor, 5*time.Millisecond)
		require.NoError(t, h.stop(t))

		assert.Equal(t, 2, calls)
		poisoned := model.Published()[0].publishing
		_, present := poisoned.Headers[AttemptCountHeader]
		assert.False(t, present)
		assert.Equal(t, "attempt 2 failed", poisoned.Headers["x-exception0-message"])
		assert.NotEmpty(t, poisoned.Headers["x-exception0-type"])
		model.AssertExpectations(t)
	})

	t.Run("zero max attempts poisons on first failure", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "poison", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("Ack", uint64(1), true).Return(nil).Once()

		config := testGroupConfig(messaging.TransactionAcknowledge)
		config.MaxAttempts = 0

		calls := make(chan struct{}, 4)
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			calls <- struct{}{}
			return errors.New("boom")
		}

		h := startReceiving(t, model, config, callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))

		require.Eventually(t, func() bool { return len(model.Published()) == 1 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return h.channel.CurrentTransaction().Finished() }, waitFor, 5*time.Millisecond)
		require.NoError(t, h.stop(t))

		assert.Len(t, calls, 1)
		model.AssertExpectations(t)
	})

	t.Run("poison signal skips retries", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "poison", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("Ack", uint64(1), true).Return(nil).Once()

		config := testGroupConfig(messaging.TransactionAcknowledge)
		config.MaxAttempts = 5

		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			return fmt.Errorf("bad order: %w", messaging.ErrPoisonMessage)
		}

		h := startReceiving(t, model, config, callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))

		require.Eventually(t, func() bool { return len(model.Published()) == 1 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return h.channel.CurrentTransaction().Finished() }, waitFor, 5*time.Millisecond)
		require.NoError(t, h.stop(t))
		model.AssertExpectations(t)
	})

	t.Run("dead-letter signal routes to the dead-letter exchange", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "dead-letters", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("Ack", uint64(1), true).Return(nil).Once()

		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			return fmt.Errorf("unsupported version: %w", messaging.ErrDeadLetter)
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		frame := newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"})
		frame.Expiration = "60000"
		h.push(frame)

		require.Eventually(t, func() bool { return len(model.Published()) == 1 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return h.channel.CurrentTransaction().Finished() }, waitFor, 5*time.Millisecond)
		require.NoError(t, h.stop(t))

		forwarded := model.Published()[0].publishing
		assert.Equal(t, frame.Body, forwarded.Body)
		assert.Equal(t, frame.MessageId, forwarded.MessageId)
		assert.Empty(t, forwarded.Expiration)
		model.AssertExpectations(t)
	})

	t.Run("expired message is dead-lettered without reaching the handler", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "dead-letters", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("Ack", uint64(1), true).Return(nil).Once()

		called := false
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			called = true
			return nil
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		frame := newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"})
		frame.Headers[ExpirationHeader] = time.Now().Add(-time.Hour).Unix()
		h.push(frame)

		require.Eventually(t, func() bool { return len(model.Published()) == 1 }, waitFor, 5*time.Millisecond)
		require.Eventually(t, func() bool { return h.channel.CurrentTransaction().Finished() }, waitFor, 5*time.Millisecond)
		require.NoError(t, h.stop(t))

		assert.False(t, called)
		model.AssertExpectations(t)
	})

	t.Run("dead letter is dropped without a dead-letter exchange", func(t *testing.T) {
		model := &MockModel{}
		model.On("Ack", uint64(1), true).Return(nil).Once()

		config := testGroupConfig(messaging.TransactionAcknowledge)
		config.DeadLetterAddress = ""

		h := startReceiving(t, model, config, func(ctx context.Context, delivery messaging.DeliveryContext) error {
			return nil
		})
		frame := newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"})
		frame.Body = []byte("garbage")
		h.push(frame)

		require.Eventually(t, func() bool { return h.channel.CurrentTransaction().Finished() }, waitFor, 5*time.Millisecond)
		require.NoError(t, h.stop(t))

		assert.Empty(t, model.Published())
		model.AssertExpectations(t)
	})

	t.Run("connection fault ends receive with a finished transaction", func(t *testing.T) {
		model := &MockModel{}

		var tx messaging.Transaction
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			tx = delivery.CurrentTransaction()
			return messaging.NewChannelError("publish", "orders", amqp.ErrClosed)
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))

		err := h.result(t)
		assert.ErrorIs(t, err, messaging.ErrChannelConnection)
		require.NotNil(t, tx)
		assert.True(t, tx.Finished())
		model.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Empty(t, model.Published())
	})

	t.Run("panicking handler is retried", func(t *testing.T) {
		model := &MockModel{}
		model.On("Ack", uint64(1), true).Return(nil).Once()

		var mu sync.Mutex
		calls := 0
		succeeded := make(chan struct{})
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				panic("nil map")
			}
			close(succeeded)
			return delivery.CurrentTransaction().Commit()
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))
		waitSignal(t, succeeded)
		require.NoError(t, h.stop(t))
		model.AssertExpectations(t)
	})

	t.Run("loopback republishes the received frame", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "", "orders", false, false, mock.Anything).Return(nil).Once()

		sent := make(chan error, 1)
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			envelope, err := contracts.NewChannelEnvelope(delivery.CurrentMessage(), contracts.LoopbackAddress)
			if err != nil {
				sent <- err
				return err
			}
			sent <- delivery.Send(ctx, envelope)
			return nil
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		frame := newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"})
		h.push(frame)

		select {
		case err := <-sent:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("handler did not send")
		}
		require.NoError(t, h.stop(t))

		republished := model.Published()[0].publishing
		assert.Equal(t, frame.Body, republished.Body)
		assert.Equal(t, frame.MessageId, republished.MessageId)
	})

	t.Run("send during shutdown is allowed while receiving", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "", "audit", false, false, mock.Anything).Return(nil).Once()

		sent := make(chan error, 1)
		var channel *Channel
		callback := func(ctx context.Context, delivery messaging.DeliveryContext) error {
			channel.BeginShutdown()
			msg := contracts.NewChannelMessage([]any{&OrderPlaced{OrderID: "o-9"}})
			envelope, _ := contracts.NewChannelEnvelope(msg, "direct://default/audit")
			sent <- delivery.Send(ctx, envelope)
			return nil
		}

		h := startReceiving(t, model, testGroupConfig(messaging.TransactionAcknowledge), callback)
		channel = h.channel
		h.push(newTestFrame(t, serializer, &OrderPlaced{OrderID: "o-1"}))

		select {
		case err := <-sent:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("handler did not send")
		}
		assert.NoError(t, h.result(t))
	})
}

func TestChannelSend(t *testing.T) {
	message := func() *contracts.ChannelMessage {
		return contracts.NewChannelMessage([]any{&OrderPlaced{OrderID: "o-1"}})
	}

	t.Run("publishes once per recipient", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "", "MyRoutingKey", false, false, mock.Anything).Return(nil).Once()
		model.On("PublishWithContext", mock.Anything, "", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("PublishWithContext", mock.Anything, "dead-letters", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("PublishWithContext", mock.Anything, "poison", "orders", false, false, mock.Anything).Return(nil).Once()
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))

		envelope, err := contracts.NewChannelEnvelope(message(),
			"fanout://default/MyRoutingKey",
			contracts.LoopbackAddress,
			contracts.DeadLetterAddress,
			contracts.PoisonMessageAddress,
		)
		require.NoError(t, err)

		require.NoError(t, channel.Send(context.Background(), envelope))
		model.AssertExpectations(t)

		published := model.Published()
		require.Len(t, published, 4)
		for _, p := range published[1:] {
			assert.Equal(t, published[0].publishing.MessageId, p.publishing.MessageId)
		}
	})

	t.Run("error addresses without an exchange are rejected before publishing", func(t *testing.T) {
		config := testGroupConfig(messaging.TransactionNone)
		config.DeadLetterAddress = ""
		config.PoisonMessageAddress = ""

		for _, recipient := range []string{contracts.DeadLetterAddress, contracts.PoisonMessageAddress} {
			model := &MockModel{}
			channel := newTestChannel(t, model, config)

			envelope, err := contracts.NewChannelEnvelope(message(), contracts.LoopbackAddress, recipient)
			require.NoError(t, err)

			assert.ErrorIs(t, channel.Send(context.Background(), envelope), ErrInvalidAddress, recipient)
			model.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			assert.Empty(t, model.Published())
		}
	})

	t.Run("publish failure is a connection fault", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "", "orders", false, false, mock.Anything).Return(amqp.ErrClosed)
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))

		envelope, _ := contracts.NewChannelEnvelope(message(), contracts.LoopbackAddress)
		err := channel.Send(context.Background(), envelope)

		assert.ErrorIs(t, err, messaging.ErrChannelConnection)
		var channelErr *messaging.ChannelError
		require.ErrorAs(t, err, &channelErr)
		assert.Equal(t, "publish", channelErr.Op)
	})

	t.Run("malformed recipient is rejected", func(t *testing.T) {
		channel := newTestChannel(t, &MockModel{}, testGroupConfig(messaging.TransactionNone))
		envelope, _ := contracts.NewChannelEnvelope(message(), "no-scheme")

		assert.ErrorIs(t, channel.Send(context.Background(), envelope), ErrInvalidAddress)
	})

	t.Run("nil envelope is rejected", func(t *testing.T) {
		channel := newTestChannel(t, &MockModel{}, testGroupConfig(messaging.TransactionNone))
		assert.ErrorIs(t, channel.Send(context.Background(), nil), contracts.ErrInvalidArgument)
	})

	t.Run("send-only channel rejects sends during shutdown", func(t *testing.T) {
		channel := newTestChannel(t, &MockModel{}, testGroupConfig(messaging.TransactionNone))
		channel.BeginShutdown()

		envelope, _ := contracts.NewChannelEnvelope(message(), contracts.LoopbackAddress)
		assert.ErrorIs(t, channel.Send(context.Background(), envelope), messaging.ErrShuttingDown)
	})

	t.Run("send replaces a finished transaction", func(t *testing.T) {
		model := &MockModel{}
		model.On("PublishWithContext", mock.Anything, "", "orders", false, false, mock.Anything).Return(nil)
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))

		first := channel.CurrentTransaction()
		require.NoError(t, first.Commit())

		envelope, _ := contracts.NewChannelEnvelope(message(), contracts.LoopbackAddress)
		require.NoError(t, channel.Send(context.Background(), envelope))

		assert.NotSame(t, first, channel.CurrentTransaction())
		assert.False(t, channel.CurrentTransaction().Finished())
	})
}

func TestChannelBrokerTransaction(t *testing.T) {
	t.Run("commit failure is a connection fault", func(t *testing.T) {
		model := &MockModel{}
		model.On("TxCommit").Return(errors.New("channel closed"))
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionFull))

		assert.ErrorIs(t, channel.CommitTransaction(), messaging.ErrChannelConnection)
	})

	t.Run("rollback failure is a connection fault", func(t *testing.T) {
		model := &MockModel{}
		model.On("TxRollback").Return(errors.New("channel closed"))
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionFull))

		assert.ErrorIs(t, channel.RollbackTransaction(), messaging.ErrChannelConnection)
	})

	t.Run("non-full modes never touch the broker transaction", func(t *testing.T) {
		model := &MockModel{}
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionAcknowledge))

		assert.NoError(t, channel.CommitTransaction())
		assert.NoError(t, channel.RollbackTransaction())
		model.AssertNotCalled(t, "TxCommit")
		model.AssertNotCalled(t, "TxRollback")
	})

	t.Run("acknowledge before receiving is a no-op", func(t *testing.T) {
		model := &MockModel{}
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionAcknowledge))

		assert.NoError(t, channel.AcknowledgeMessage())
		model.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})
}

func TestChannelClose(t *testing.T) {
	t.Run("rolls back the open transaction then closes the model once", func(t *testing.T) {
		model := &MockModel{}
		var order []string
		model.On("PublishWithContext", mock.Anything, "", "orders", false, false, mock.Anything).Return(nil).Once()
		model.On("TxRollback").Return(nil).Run(func(mock.Arguments) { order = append(order, "rollback") }).Once()
		model.On("Close").Return(nil).Run(func(mock.Arguments) { order = append(order, "close") }).Once()
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionFull))
		tx := channel.CurrentTransaction()

		envelope, _ := contracts.NewChannelEnvelope(contracts.NewChannelMessage([]any{&OrderPlaced{OrderID: "o-1"}}), contracts.LoopbackAddress)
		require.NoError(t, channel.Send(context.Background(), envelope))

		require.NoError(t, channel.Close())
		require.NoError(t, channel.Close())

		assert.Equal(t, []string{"rollback", "close"}, order)
		assert.True(t, tx.Finished())
		model.AssertExpectations(t)
	})

	t.Run("unused transaction is disposed without a broker rollback", func(t *testing.T) {
		model := &MockModel{}
		model.On("Close").Return(nil).Once()
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionFull))
		tx := channel.CurrentTransaction()

		require.NoError(t, channel.Close())

		assert.True(t, tx.Finished())
		model.AssertNotCalled(t, "TxRollback")
		model.AssertExpectations(t)
	})

	t.Run("operations fail once disposed", func(t *testing.T) {
		model := &MockModel{}
		model.On("Close").Return(nil)
		channel := newTestChannel(t, model, testGroupConfig(messaging.TransactionNone))
		require.NoError(t, channel.Close())

		envelope, _ := contracts.NewChannelEnvelope(contracts.NewChannelMessage(nil), contracts.LoopbackAddress)
		assert.ErrorIs(t, channel.Send(context.Background(), envelope), messaging.ErrDisposed)
		assert.ErrorIs(t, channel.AcknowledgeMessage(), messaging.ErrDisposed)
		assert.ErrorIs(t, channel.CommitTransaction(), messaging.ErrDisposed)
		assert.ErrorIs(t, channel.RollbackTransaction(), messaging.ErrDisposed)
	})

	t.Run("close cancels the subscription of a receiving channel", func(t *testing.T) {
		model := &MockModel{}
		h := startReceiving(t, model, testGroupConfig(messaging.TransactionNone), func(ctx context.Context, delivery messaging.DeliveryContext) error {
			return nil
		})

		waitConsuming(t, h.channel)

		require.NoError(t, h.channel.Close())
		assert.NoError(t, h.result(t))
		model.AssertCalled(t, "Cancel", mock.Anything, false)
		model.AssertCalled(t, "Close")
	})
}
