package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/msgbus-go/contracts"
)

// Host owns the channel groups of a set of connectors
type Host struct {
	factory    ChannelGroupFactory
	connectors []Connector
	logger     *slog.Logger

	mu          sync.RWMutex
	groups      map[string]ChannelGroup
	started     map[string]bool
	initialized bool
	receiving   bool
	disposed    bool
}

// HostOption configures the host
type HostOption func(*Host)

// WithHostLogger sets the logger
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// NewHost creates a host that builds channel groups with factory
func NewHost(factory ChannelGroupFactory, connectors []Connector, opts ...HostOption) (*Host, error) {
	if factory == nil {
		return nil, argumentError("NewHost", "factory", "cannot be nil")
	}
	if len(connectors) == 0 {
		return nil, argumentError("NewHost", "connectors", "cannot be empty")
	}
	for _, c := range connectors {
		if c == nil {
			return nil, argumentError("NewHost", "connectors", "cannot contain nil")
		}
	}

	h := &Host{
		factory:    factory,
		connectors: append([]Connector(nil), connectors...),
		logger:     slog.Default(),
		groups:     make(map[string]ChannelGroup),
		started:    make(map[string]bool),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Initialize builds and initializes every channel group. It is idempotent;
// a duplicate group name across connectors fails startup.
func (h *Host) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}
	if h.initialized {
		return nil
	}

	groups := make(map[string]ChannelGroup)
	fail := func(err error) error {
		for _, g := range groups {
			_ = g.Close()
		}
		return err
	}

	for _, connector := range h.connectors {
		for _, config := range connector.ChannelGroups() {
			if _, exists := groups[config.GroupName]; exists {
				return fail(fmt.Errorf("%w: %s", ErrDuplicateChannelGroup, config.GroupName))
			}

			group, err := h.factory(connector, config)
			if err != nil {
				return fail(fmt.Errorf("failed to create channel group %s: %w", config.GroupName, err))
			}
			groups[config.GroupName] = group

			if err := group.Initialize(ctx); err != nil {
				return fail(fmt.Errorf("failed to initialize channel group %s: %w", config.GroupName, err))
			}
		}
	}

	h.groups = groups
	h.initialized = true
	h.logger.Info("messaging host initialized", "groups", len(groups))
	return nil
}

// BeginReceive starts receiving on every group that is not dispatch-only.
// It succeeds once. After a failure it may be called again and skips the
// groups that already started.
func (h *Host) BeginReceive(callback ReceiveFunc) error {
	if callback == nil {
		return argumentError("Host.BeginReceive", "callback", "cannot be nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.disposed:
		return ErrDisposed
	case !h.initialized:
		return ErrNotInitialized
	case h.receiving:
		return ErrAlreadyReceiving
	}

	for _, name := range h.groupNamesLocked() {
		group := h.groups[name]
		if h.started[name] || group.Config().DispatchOnly {
			continue
		}
		if err := group.BeginReceive(callback); err != nil {
			return fmt.Errorf("failed to begin receive on group %s: %w", name, err)
		}
		h.started[name] = true
		h.logger.Info("receiving", "group", name)
	}

	h.receiving = true
	return nil
}

// Dispatch sends message to recipients through groupName and waits for the result
func (h *Host) Dispatch(ctx context.Context, groupName string, message *contracts.ChannelMessage, recipients ...string) error {
	group, envelope, err := h.prepare("Host.Dispatch", groupName, message, recipients)
	if err != nil {
		return err
	}
	return group.Dispatch(ctx, envelope)
}

// BeginDispatch queues message for recipients through groupName
func (h *Host) BeginDispatch(ctx context.Context, groupName string, message *contracts.ChannelMessage, recipients ...string) error {
	group, envelope, err := h.prepare("Host.BeginDispatch", groupName, message, recipients)
	if err != nil {
		return err
	}
	return group.BeginDispatch(ctx, envelope)
}

func (h *Host) prepare(op, groupName string, message *contracts.ChannelMessage, recipients []string) (ChannelGroup, *contracts.ChannelEnvelope, error) {
	if groupName == "" {
		return nil, nil, argumentError(op, "group", "cannot be empty")
	}
	if message == nil {
		return nil, nil, argumentError(op, "message", "cannot be nil")
	}
	if len(recipients) == 0 {
		return nil, nil, argumentError(op, "recipients", "cannot be empty")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case h.disposed:
		return nil, nil, ErrDisposed
	case !h.initialized:
		return nil, nil, ErrNotInitialized
	}

	group, ok := h.groups[groupName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelGroupNotFound, groupName)
	}

	envelope, err := contracts.NewChannelEnvelope(message, recipients...)
	if err != nil {
		return nil, nil, err
	}
	return group, envelope, nil
}

// GroupNames returns the names of the initialized channel groups in sorted order
func (h *Host) GroupNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.groupNamesLocked()
}

func (h *Host) groupNamesLocked() []string {
	names := make([]string, 0, len(h.groups))
	for name := range h.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every channel group and connector. It is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	groups := h.groups
	h.mu.Unlock()

	var errs []error
	for name, group := range groups {
		if err := group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close group %s: %w", name, err))
		}
	}
	for _, connector := range h.connectors {
		if err := connector.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	h.logger.Info("messaging host closed")
	return errors.Join(errs...)
}
