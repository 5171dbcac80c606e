package rabbitmq

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/glimte/msgbus-go/messaging"
	"github.com/glimte/msgbus-go/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageAdapter translates frames to ChannelMessage and back. It remembers
// the frame each built message came from until the message is purged, so a
// received message can be forwarded byte for byte.
type MessageAdapter struct {
	serializer serialization.Serializer
	now        func() time.Time

	mu     sync.Mutex
	frames map[*contracts.ChannelMessage]*amqp.Delivery
}

// AdapterOption configures the adapter
type AdapterOption func(*MessageAdapter)

// WithClock replaces the time source used for expiration checks
func WithClock(now func() time.Time) AdapterOption {
	return func(a *MessageAdapter) {
		a.now = now
	}
}

// NewMessageAdapter creates an adapter using serializer for frame bodies
func NewMessageAdapter(serializer serialization.Serializer, opts ...AdapterOption) *MessageAdapter {
	a := &MessageAdapter{
		serializer: serializer,
		now:        time.Now,
		frames:     make(map[*contracts.ChannelMessage]*amqp.Delivery),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Build translates a frame. Expired or undecodable frames yield an error
// wrapping messaging.ErrDeadLetter.
func (a *MessageAdapter) Build(d *amqp.Delivery) (*contracts.ChannelMessage, error) {
	var expiration time.Time
	if secs, ok := headerInt(d.Headers, ExpirationHeader); ok && secs > 0 {
		expiration = time.Unix(secs, 0)
		if expiration.Before(a.now()) {
			return nil, fmt.Errorf("%w: message %s expired at %s", messaging.ErrDeadLetter, d.MessageId, expiration.UTC().Format(time.RFC3339))
		}
	}

	messageID := uuid.Nil
	if d.MessageId != "" {
		id, err := uuid.Parse(d.MessageId)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed message id %q", messaging.ErrDeadLetter, d.MessageId)
		}
		messageID = id
	}

	var correlationID uuid.UUID
	if d.CorrelationId != "" {
		if id, err := uuid.Parse(d.CorrelationId); err == nil {
			correlationID = id
		}
	}

	payloads, err := a.serializer.Deserialize(d.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", messaging.ErrDeadLetter, err)
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if isReservedHeader(k) {
			continue
		}
		headers[k] = fmt.Sprint(v)
	}

	msg := contracts.NewChannelMessage(payloads,
		contracts.WithMessageID(messageID),
		contracts.WithCorrelationID(correlationID),
		contracts.WithReturnAddress(d.ReplyTo),
		contracts.WithHeaders(headers),
		contracts.WithExpiration(expiration),
		contracts.WithPersistent(d.DeliveryMode == amqp.Persistent),
		contracts.WithDispatched(d.Timestamp),
	)

	a.mu.Lock()
	a.frames[msg] = d
	a.mu.Unlock()

	return msg, nil
}

// ToPublishing builds the outbound frame for msg. A message built from a
// received frame reuses that frame's body and properties.
func (a *MessageAdapter) ToPublishing(msg *contracts.ChannelMessage) (amqp.Publishing, error) {
	a.mu.Lock()
	frame, cached := a.frames[msg]
	a.mu.Unlock()

	if cached {
		return FramePublishing(frame), nil
	}

	body, err := a.serializer.Serialize(msg.Messages())
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to serialize message %s: %w", msg.MessageID(), err)
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers() {
		headers[k] = v
	}
	if exp := msg.Expiration(); !exp.IsZero() {
		headers[ExpirationHeader] = exp.Unix()
	}

	deliveryMode := amqp.Transient
	if msg.Persistent() {
		deliveryMode = amqp.Persistent
	}

	dispatched := msg.Dispatched()
	if dispatched.IsZero() {
		dispatched = a.now()
	}

	publishing := amqp.Publishing{
		Headers:      headers,
		ContentType:  a.serializer.ContentType(),
		DeliveryMode: deliveryMode,
		MessageId:    msg.MessageID().String(),
		ReplyTo:      msg.ReturnAddress(),
		Timestamp:    dispatched,
		Body:         body,
	}
	if msg.CorrelationID() != uuid.Nil {
		publishing.CorrelationId = msg.CorrelationID().String()
	}
	if exp := msg.Expiration(); !exp.IsZero() {
		if ttl := exp.Sub(a.now()); ttl > 0 {
			publishing.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
		}
	}

	return publishing, nil
}

// PurgeFromCache forgets the frame msg was built from
func (a *MessageAdapter) PurgeFromCache(msg *contracts.ChannelMessage) {
	if msg == nil {
		return
	}
	a.mu.Lock()
	delete(a.frames, msg)
	a.mu.Unlock()
}

// Cached reports whether msg still has a remembered frame
func (a *MessageAdapter) Cached(msg *contracts.ChannelMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.frames[msg]
	return ok
}

// FramePublishing copies a received frame into a publishing, headers included
func FramePublishing(d *amqp.Delivery) amqp.Publishing {
	return amqp.Publishing{
		Headers:         cloneTable(d.Headers),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
