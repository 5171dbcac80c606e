package messaging

import (
	"context"

	"github.com/glimte/msgbus-go/contracts"
	"github.com/stretchr/testify/mock"
)

// MockTransaction for testing
type MockTransaction struct {
	mock.Mock
}

func (m *MockTransaction) Finished() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockTransaction) Register(callback func() error) error {
	args := m.Called(callback)
	return args.Error(0)
}

func (m *MockTransaction) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransaction) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTransaction) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockChannel for testing
type MockChannel struct {
	mock.Mock
	lastErr error // result of the last callback run by Receive
}

func (m *MockChannel) CurrentMessage() *contracts.ChannelMessage {
	args := m.Called()
	if msg := args.Get(0); msg != nil {
		return msg.(*contracts.ChannelMessage)
	}
	return nil
}

func (m *MockChannel) CurrentTransaction() Transaction {
	args := m.Called()
	if tx := args.Get(0); tx != nil {
		return tx.(Transaction)
	}
	return nil
}

func (m *MockChannel) CurrentResolver() DependencyResolver {
	args := m.Called()
	if r := args.Get(0); r != nil {
		return r.(DependencyResolver)
	}
	return nil
}

func (m *MockChannel) Send(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func (m *MockChannel) GroupName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockChannel) Receive(ctx context.Context, callback ReceiveFunc) error {
	args := m.Called(ctx, callback)
	return args.Error(0)
}

func (m *MockChannel) BeginShutdown() {
	m.Called()
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockResolver for testing
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) CreateNestedResolver() (DependencyResolver, error) {
	args := m.Called()
	if r := args.Get(0); r != nil {
		return r.(DependencyResolver), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockResolver) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockConnector for testing
type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) ChannelGroups() []ChannelGroupConfig {
	args := m.Called()
	if groups := args.Get(0); groups != nil {
		return groups.([]ChannelGroupConfig)
	}
	return nil
}

func (m *MockConnector) Connect(ctx context.Context, groupName string) (Channel, error) {
	args := m.Called(ctx, groupName)
	if ch := args.Get(0); ch != nil {
		return ch.(Channel), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConnector) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockChannelGroup for testing
type MockChannelGroup struct {
	mock.Mock
}

func (m *MockChannelGroup) Config() ChannelGroupConfig {
	args := m.Called()
	return args.Get(0).(ChannelGroupConfig)
}

func (m *MockChannelGroup) Initialize(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockChannelGroup) BeginReceive(callback ReceiveFunc) error {
	args := m.Called(callback)
	return args.Error(0)
}

func (m *MockChannelGroup) Dispatch(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func (m *MockChannelGroup) BeginDispatch(ctx context.Context, envelope *contracts.ChannelEnvelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func (m *MockChannelGroup) Close() error {
	args := m.Called()
	return args.Error(0)
}
