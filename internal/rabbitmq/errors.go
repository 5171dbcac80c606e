package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Consumer errors
	ErrConsumerClosed = errors.New("rabbitmq: delivery stream closed")

	// Address errors
	ErrInvalidAddress = errors.New("rabbitmq: invalid publication address")

	// Topology errors
	ErrTopologyDeclarationFailed = errors.New("rabbitmq: topology declaration failed")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed declaration
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to declare %s '%s': %v", e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is makes every TopologyError match ErrTopologyDeclarationFailed
func (e *TopologyError) Is(target error) bool {
	return target == ErrTopologyDeclarationFailed
}

// IsConnectionLevel reports whether err means the AMQP channel or connection is gone
func IsConnectionLevel(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrConsumerClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Soft errors close only the channel, hard errors the connection;
		// either way this channel is unusable.
		return true
	}

	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
