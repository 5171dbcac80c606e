package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	// ErrUnknownType is returned when a payload names a type that was never registered
	ErrUnknownType = errors.New("serialization: unknown payload type")
	// ErrMalformedPayload is returned when a body cannot be decoded
	ErrMalformedPayload = errors.New("serialization: malformed payload")
)

// TypeRegistry maps payload type names to Go types
type TypeRegistry interface {
	// Register registers a payload type under a name
	Register(typeName string, msgType any) error

	// RegisterType registers a payload type under its package-qualified struct name
	RegisterType(msgType any) error

	// CreateInstance returns a pointer to a new zero value of the named type
	CreateInstance(typeName string) (any, error)

	// GetTypeName returns the registered name for a value
	GetTypeName(msg any) (string, error)

	// IsRegistered checks if a type name is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type names in sorted order
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

func structType(msgType any) (reflect.Type, error) {
	if msgType == nil {
		return nil, fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	return t, nil
}

// Register registers a payload type with a type name
func (r *DefaultTypeRegistry) Register(typeName string, msgType any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}

	t, err := structType(msgType)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers a payload type using its package-qualified name
func (r *DefaultTypeRegistry) RegisterType(msgType any) error {
	t, err := structType(msgType)
	if err != nil {
		return err
	}

	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	if t.PkgPath() != "" {
		typeName = t.PkgPath() + "." + typeName
	}

	return r.Register(typeName, msgType)
}

// CreateInstance creates a new instance of the registered type as a pointer
func (r *DefaultTypeRegistry) CreateInstance(typeName string) (any, error) {
	r.mu.RLock()
	t, exists := r.types[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return reflect.New(t).Interface(), nil
}

// GetTypeName gets the registered type name for a value
func (r *DefaultTypeRegistry) GetTypeName(msg any) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("%w: %v", ErrUnknownType, t)
	}
	return name, nil
}

// IsRegistered checks if a type is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

// Serializer converts an ordered payload list to and from a frame body
type Serializer interface {
	ContentType() string
	Serialize(messages []any) ([]byte, error)
	Deserialize(data []byte) ([]any, error)
}

// JSONSerializer writes payloads as a JSON array of typed entries
type JSONSerializer struct {
	registry    TypeRegistry
	prettyPrint bool
}

type typedPayload struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*JSONSerializer)

// WithTypeRegistry sets the type registry
func WithTypeRegistry(registry TypeRegistry) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.registry = registry
	}
}

// WithPrettyPrint enables pretty printing
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(s *JSONSerializer) {
		s.prettyPrint = pretty
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	s := &JSONSerializer{
		registry: NewTypeRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Registry returns the type registry used to resolve payload types
func (s *JSONSerializer) Registry() TypeRegistry {
	return s.registry
}

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string {
	return "application/json"
}

// Serialize implements Serializer
func (s *JSONSerializer) Serialize(messages []any) ([]byte, error) {
	entries := make([]typedPayload, 0, len(messages))
	for i, msg := range messages {
		typeName, err := s.registry.GetTypeName(msg)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}

		body, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload %d: %w", i, err)
		}
		entries = append(entries, typedPayload{Type: typeName, Body: body})
	}

	if s.prettyPrint {
		return json.MarshalIndent(entries, "", "  ")
	}
	return json.Marshal(entries)
}

// Deserialize implements Serializer
func (s *JSONSerializer) Deserialize(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	var entries []typedPayload
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	messages := make([]any, 0, len(entries))
	for _, entry := range entries {
		instance, err := s.registry.CreateInstance(entry.Type)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(entry.Body, instance); err != nil {
			return nil, fmt.Errorf("%w: type %s: %v", ErrMalformedPayload, entry.Type, err)
		}
		messages = append(messages, instance)
	}

	return messages, nil
}
