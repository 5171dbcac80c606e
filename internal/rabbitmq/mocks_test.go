package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// MockModel for testing
type MockModel struct {
	mock.Mock

	mu        sync.Mutex
	published []published
}

type published struct {
	exchange   string
	key        string
	publishing amqp.Publishing
}

func (m *MockModel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *MockModel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(chan amqp.Delivery), mockArgs.Error(1)
}

func (m *MockModel) Cancel(consumer string, noWait bool) error {
	args := m.Called(consumer, noWait)
	return args.Error(0)
}

func (m *MockModel) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *MockModel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.published = append(m.published, published{exchange: exchange, key: key, publishing: msg})
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockModel) Tx() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockModel) TxCommit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockModel) TxRollback() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockModel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	mockArgs := m.Called(name, kind, durable, autoDelete, internal, noWait, args)
	return mockArgs.Error(0)
}

func (m *MockModel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, mockArgs.Error(0)
}

func (m *MockModel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	mockArgs := m.Called(name, key, exchange, noWait, args)
	return mockArgs.Error(0)
}

func (m *MockModel) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockModel) Published() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]published, len(m.published))
	copy(out, m.published)
	return out
}

// MockConnection for testing
type MockConnection struct {
	mock.Mock

	mu     sync.Mutex
	notify chan *amqp.Error
	closed bool
}

func (m *MockConnection) OpenModel() (Model, error) {
	args := m.Called()
	if model := args.Get(0); model != nil {
		return model.(Model), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = receiver
	return receiver
}

func (m *MockConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConnection) Close() error {
	args := m.Called()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return args.Error(0)
}

// Drop simulates the broker closing the connection
func (m *MockConnection) Drop(err *amqp.Error) {
	m.mu.Lock()
	m.closed = true
	notify := m.notify
	m.mu.Unlock()
	if notify != nil {
		notify <- err
		close(notify)
	}
}

// fakeHost records what a transaction asks of its channel
type fakeHost struct {
	mu          sync.Mutex
	acks        int
	commits     int
	rollbacks   int
	ackErr      error
	commitErr   error
	rollbackErr error
}

func (h *fakeHost) AcknowledgeMessage() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks++
	return h.ackErr
}

func (h *fakeHost) CommitTransaction() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits++
	return h.commitErr
}

func (h *fakeHost) RollbackTransaction() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks++
	return h.rollbackErr
}
