package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Reserved recipient addresses resolved by the transport
const (
	LoopbackAddress      = "loopback://"
	DeadLetterAddress    = "dead-letter://"
	PoisonMessageAddress = "poison-message://"
)

// ChannelMessage is the logical message carried by a channel. It is immutable
// once constructed; accessors hand out copies of mutable state.
type ChannelMessage struct {
	messageID     uuid.UUID
	correlationID uuid.UUID
	returnAddress string
	headers       map[string]string
	messages      []any
	expiration    time.Time
	persistent    bool
	dispatched    time.Time
}

// MessageOption configures a ChannelMessage at construction
type MessageOption func(*ChannelMessage)

// WithMessageID sets the message identifier instead of generating one
func WithMessageID(id uuid.UUID) MessageOption {
	return func(m *ChannelMessage) {
		m.messageID = id
	}
}

// WithCorrelationID sets the correlation identifier
func WithCorrelationID(id uuid.UUID) MessageOption {
	return func(m *ChannelMessage) {
		m.correlationID = id
	}
}

// WithReturnAddress sets the address replies should be sent to
func WithReturnAddress(address string) MessageOption {
	return func(m *ChannelMessage) {
		m.returnAddress = address
	}
}

// WithHeaders copies the given headers into the message
func WithHeaders(headers map[string]string) MessageOption {
	return func(m *ChannelMessage) {
		for k, v := range headers {
			m.headers[k] = v
		}
	}
}

// WithExpiration sets the absolute expiration; the zero time never expires
func WithExpiration(at time.Time) MessageOption {
	return func(m *ChannelMessage) {
		m.expiration = at
	}
}

// WithTimeToLive sets the expiration relative to now
func WithTimeToLive(ttl time.Duration) MessageOption {
	return func(m *ChannelMessage) {
		if ttl > 0 {
			m.expiration = time.Now().Add(ttl)
		}
	}
}

// WithPersistent marks the message as durable
func WithPersistent(persistent bool) MessageOption {
	return func(m *ChannelMessage) {
		m.persistent = persistent
	}
}

// WithDispatched sets the time the message was first dispatched
func WithDispatched(at time.Time) MessageOption {
	return func(m *ChannelMessage) {
		m.dispatched = at
	}
}

// NewChannelMessage creates a message carrying the given payloads
func NewChannelMessage(messages []any, opts ...MessageOption) *ChannelMessage {
	m := &ChannelMessage{
		messageID: uuid.New(),
		headers:   make(map[string]string),
		messages:  append([]any(nil), messages...),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// MessageID returns the identifier assigned at construction
func (m *ChannelMessage) MessageID() uuid.UUID { return m.messageID }

// CorrelationID returns the correlation identifier
func (m *ChannelMessage) CorrelationID() uuid.UUID { return m.correlationID }

// ReturnAddress returns the reply address, empty when none was set
func (m *ChannelMessage) ReturnAddress() string { return m.returnAddress }

// Expiration returns the absolute expiration time
func (m *ChannelMessage) Expiration() time.Time { return m.expiration }

// Persistent reports whether the message should survive a broker restart
func (m *ChannelMessage) Persistent() bool { return m.persistent }

// Dispatched returns the time the message was first dispatched
func (m *ChannelMessage) Dispatched() time.Time { return m.dispatched }

// Headers returns a copy of the message headers
func (m *ChannelMessage) Headers() map[string]string {
	headers := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		headers[k] = v
	}
	return headers
}

// Header returns a single header value
func (m *ChannelMessage) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// Messages returns a copy of the ordered payload list
func (m *ChannelMessage) Messages() []any {
	return append([]any(nil), m.messages...)
}

// Expired reports whether the message expired before now
func (m *ChannelMessage) Expired(now time.Time) bool {
	return !m.expiration.IsZero() && m.expiration.Before(now)
}

// ChannelEnvelope pairs a message with its recipient addresses
type ChannelEnvelope struct {
	message    *ChannelMessage
	recipients []string
}

// NewChannelEnvelope creates an envelope addressed to at least one recipient
func NewChannelEnvelope(message *ChannelMessage, recipients ...string) (*ChannelEnvelope, error) {
	if message == nil {
		return nil, NewArgumentError("NewChannelEnvelope", "message", "cannot be nil")
	}
	if len(recipients) == 0 {
		return nil, NewArgumentError("NewChannelEnvelope", "recipients", "cannot be empty")
	}
	for _, r := range recipients {
		if r == "" {
			return nil, NewArgumentError("NewChannelEnvelope", "recipients", "cannot contain an empty address")
		}
	}

	return &ChannelEnvelope{
		message:    message,
		recipients: append([]string(nil), recipients...),
	}, nil
}

// Message returns the enclosed message
func (e *ChannelEnvelope) Message() *ChannelMessage { return e.message }

// Recipients returns a copy of the recipient addresses
func (e *ChannelEnvelope) Recipients() []string {
	return append([]string(nil), e.recipients...)
}
