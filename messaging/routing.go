package messaging

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"sync"
)

// DefaultSequence places a handler after every explicitly sequenced one
const DefaultSequence = math.MaxInt

// HandlerContext carries one delivery through the handlers of a payload
type HandlerContext interface {
	// Delivery returns the delivery being handled
	Delivery() DeliveryContext

	// ContinueHandling reports whether later handlers should still run
	ContinueHandling() bool

	// DropMessage stops the remaining handlers for the current message
	DropMessage()
}

// DefaultHandlerContext is the HandlerContext used by RoutingTable.Receive
type DefaultHandlerContext struct {
	delivery DeliveryContext
	mu       sync.Mutex
	dropped  bool
}

// NewHandlerContext creates a handler context for a delivery
func NewHandlerContext(delivery DeliveryContext) *DefaultHandlerContext {
	return &DefaultHandlerContext{delivery: delivery}
}

// Delivery implements HandlerContext
func (c *DefaultHandlerContext) Delivery() DeliveryContext {
	return c.delivery
}

// ContinueHandling implements HandlerContext
func (c *DefaultHandlerContext) ContinueHandling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dropped
}

// DropMessage implements HandlerContext
func (c *DefaultHandlerContext) DropMessage() {
	c.mu.Lock()
	c.dropped = true
	c.mu.Unlock()
}

// Handler handles payloads of type T
type Handler[T any] interface {
	Handle(ctx context.Context, hc HandlerContext, message T) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[T any] func(ctx context.Context, hc HandlerContext, message T) error

// Handle implements Handler
func (f HandlerFunc[T]) Handle(ctx context.Context, hc HandlerContext, message T) error {
	return f(ctx, hc, message)
}

// handlerKey identifies a registration. Function-typed handlers also carry
// their code pointer so distinct funcs of one type do not replace each other.
// Closures made from one function literal share a code pointer and so count
// as the same handler.
type handlerKey struct {
	typ reflect.Type
	fn  uintptr
}

type route struct {
	key      handlerKey
	sequence int
	invoke   func(ctx context.Context, hc HandlerContext, message any) error
}

// RoutingTable maps the exact runtime type of a payload to an ordered list of handlers
type RoutingTable struct {
	mu     sync.RWMutex
	routes map[reflect.Type][]route
	logger *slog.Logger
}

// RoutingTableOption configures the routing table
type RoutingTableOption func(*RoutingTable)

// WithRoutingLogger sets the logger
func WithRoutingLogger(logger *slog.Logger) RoutingTableOption {
	return func(t *RoutingTable) {
		t.logger = logger
	}
}

// NewRoutingTable creates an empty routing table
func NewRoutingTable(opts ...RoutingTableOption) *RoutingTable {
	t := &RoutingTable{
		routes: make(map[reflect.Type][]route),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func keyOf(handler any) handlerKey {
	v := reflect.ValueOf(handler)
	key := handlerKey{typ: v.Type()}
	if v.Kind() == reflect.Func {
		key.fn = v.Pointer()
	}
	return key
}

// AddHandler registers a handler for payloads of type T. Registering another
// handler of the same concrete type replaces the earlier one in place. For
// function handlers the function itself is the identity: closures built by
// one literal replace each other however their captured values differ.
func AddHandler[T any](table *RoutingTable, handler Handler[T], sequence int) error {
	if table == nil {
		return argumentError("AddHandler", "table", "cannot be nil")
	}
	if handler == nil {
		return argumentError("AddHandler", "handler", "cannot be nil")
	}

	table.add(reflect.TypeOf((*T)(nil)).Elem(), route{
		key:      keyOf(handler),
		sequence: sequence,
		invoke: func(ctx context.Context, hc HandlerContext, message any) error {
			return handler.Handle(ctx, hc, message.(T))
		},
	})
	return nil
}

// AddFactory registers a factory that builds a handler for every payload of
// type T. handlerType identifies the registration for replacement; a factory
// returning nil skips the payload.
func AddFactory[T any](table *RoutingTable, factory func(HandlerContext) Handler[T], sequence int, handlerType reflect.Type) error {
	if table == nil {
		return argumentError("AddFactory", "table", "cannot be nil")
	}
	if factory == nil {
		return argumentError("AddFactory", "factory", "cannot be nil")
	}
	if handlerType == nil {
		return argumentError("AddFactory", "handlerType", "cannot be nil")
	}

	table.add(reflect.TypeOf((*T)(nil)).Elem(), route{
		key:      handlerKey{typ: handlerType},
		sequence: sequence,
		invoke: func(ctx context.Context, hc HandlerContext, message any) error {
			handler := factory(hc)
			if handler == nil {
				return nil
			}
			return handler.Handle(ctx, hc, message.(T))
		},
	})
	return nil
}

func (t *RoutingTable) add(messageType reflect.Type, r route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	routes := t.routes[messageType]
	replaced := false
	for i := range routes {
		if routes[i].key == r.key {
			routes[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		routes = append(routes, r)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].sequence < routes[j].sequence
	})
	t.routes[messageType] = routes
}

// Route invokes the handlers registered for the runtime type of message, in
// sequence order, while the handler context allows it. It returns how many
// handlers ran. Unknown types are not an error.
func (t *RoutingTable) Route(ctx context.Context, hc HandlerContext, message any) (int, error) {
	if hc == nil {
		return 0, argumentError("RoutingTable.Route", "context", "cannot be nil")
	}
	if message == nil {
		return 0, argumentError("RoutingTable.Route", "message", "cannot be nil")
	}

	messageType := reflect.TypeOf(message)

	t.mu.RLock()
	routes := append([]route(nil), t.routes[messageType]...)
	t.mu.RUnlock()

	if len(routes) == 0 {
		t.logger.Debug("no handlers registered", "messageType", messageType.String())
		return 0, nil
	}

	handled := 0
	for _, r := range routes {
		if !hc.ContinueHandling() {
			break
		}
		if err := r.invoke(ctx, hc, message); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

// Receive is a ReceiveFunc that routes every payload of the current message
// and commits the transaction if no handler finished it.
func (t *RoutingTable) Receive(ctx context.Context, delivery DeliveryContext) error {
	msg := delivery.CurrentMessage()
	if msg == nil {
		return nil
	}

	hc := NewHandlerContext(delivery)
	for _, payload := range msg.Messages() {
		if !hc.ContinueHandling() {
			break
		}
		if _, err := t.Route(ctx, hc, payload); err != nil {
			return err
		}
	}

	tx := delivery.CurrentTransaction()
	if tx != nil && !tx.Finished() {
		return tx.Commit()
	}
	return nil
}
