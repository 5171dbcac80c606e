package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/msgbus-go/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DispatchFunc handles one frame; nil means the wait timed out
type DispatchFunc func(d *amqp.Delivery) error

// Subscription consumes the input queue of one channel
type Subscription struct {
	model       Model
	group       string
	queue       string
	autoAck     bool
	consumerTag string
	logger      *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	retry      []*amqp.Delivery
	latestTag  uint64
	hasLatest  bool
	consuming  bool
	closed     bool
}

// NewSubscription creates a subscription on config's input queue
func NewSubscription(model Model, config messaging.ChannelGroupConfig, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscription{
		model:       model,
		group:       config.GroupName,
		queue:       config.InputQueue,
		autoAck:     config.TransactionMode == messaging.TransactionNone,
		consumerTag: config.GroupName + "-" + uuid.NewString(),
		logger:      logger,
	}
}

func (s *Subscription) open() (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, messaging.ErrDisposed
	}
	if s.deliveries != nil {
		return s.deliveries, nil
	}

	deliveries, err := s.model.Consume(s.queue, s.consumerTag, s.autoAck, false, false, false, nil)
	if err != nil {
		return nil, messaging.NewChannelError("consume", s.group, err)
	}
	s.deliveries = deliveries
	s.consuming = true

	s.logger.Debug("subscription opened", "group", s.group, "queue", s.queue, "consumerTag", s.consumerTag)
	return deliveries, nil
}

// Receive hands frames to dispatch until ctx is done or dispatch fails.
// Locally retried frames go first; dispatch(nil) is called after every
// timeout without a frame. A closed delivery stream is a connection fault.
func (s *Subscription) Receive(ctx context.Context, timeout time.Duration, dispatch DispatchFunc) error {
	deliveries, err := s.open()
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if d := s.popRetry(); d != nil {
			s.track(d)
			if err := dispatch(d); err != nil {
				return err
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return messaging.NewChannelError("receive", s.group, ErrConsumerClosed)
			}
			s.track(&d)
			if err := dispatch(&d); err != nil {
				return err
			}

		case <-timer.C:
			if err := dispatch(nil); err != nil {
				return err
			}
		}
	}
}

func (s *Subscription) track(d *amqp.Delivery) {
	s.mu.Lock()
	s.latestTag = d.DeliveryTag
	s.hasLatest = true
	s.mu.Unlock()
}

func (s *Subscription) popRetry() *amqp.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.retry) == 0 {
		return nil
	}
	d := s.retry[0]
	s.retry = s.retry[1:]
	return d
}

// RetryMessage puts d at the front of the local queue
func (s *Subscription) RetryMessage(d *amqp.Delivery) {
	s.mu.Lock()
	s.retry = append([]*amqp.Delivery{d}, s.retry...)
	s.mu.Unlock()
}

// AcknowledgeMessage acknowledges every frame up to the latest one received
func (s *Subscription) AcknowledgeMessage() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLatest || s.autoAck {
		return nil
	}
	return s.model.Ack(s.latestTag, true)
}

// Close cancels the consumer. It is idempotent.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if !s.consuming {
		return nil
	}
	if err := s.model.Cancel(s.consumerTag, false); err != nil && !IsConnectionLevel(err) {
		return err
	}
	return nil
}
