package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/msgbus-go/contracts"
)

var (
	// Lifecycle errors
	ErrDisposed              = errors.New("msgbus: object has been disposed")
	ErrShuttingDown          = errors.New("msgbus: channel is shutting down")
	ErrNotInitialized        = errors.New("msgbus: host has not been initialized")
	ErrAlreadyReceiving      = errors.New("msgbus: already receiving")
	ErrAlreadyStarted        = errors.New("msgbus: worker group already started")
	ErrNotStarted            = errors.New("msgbus: worker group not started")
	ErrDispatchOnly          = errors.New("msgbus: channel group is dispatch-only")
	ErrDuplicateChannelGroup = errors.New("msgbus: duplicate channel group name")
	ErrChannelGroupNotFound  = errors.New("msgbus: channel group not found")

	// Transaction errors
	ErrTransactionCommitted  = errors.New("msgbus: transaction already committed")
	ErrTransactionRolledBack = errors.New("msgbus: transaction already rolled back")

	// Delivery signals. Callbacks return errors wrapping these to steer the
	// disposition of the current message; they never escape Receive.
	ErrDeadLetter    = errors.New("msgbus: message cannot be delivered")
	ErrPoisonMessage = errors.New("msgbus: message can never be processed")

	// ErrChannelConnection marks a broker link failure
	ErrChannelConnection = errors.New("msgbus: channel connection unavailable")
)

// ErrInvalidArgument is matched by every ArgumentError
var ErrInvalidArgument = contracts.ErrInvalidArgument

// ArgumentError reports a missing or malformed argument
type ArgumentError = contracts.ArgumentError

func argumentError(op, arg, reason string) error {
	return contracts.NewArgumentError(op, arg, reason)
}

// ChannelError is a broker link failure surfaced by a channel operation.
// errors.Is(err, ErrChannelConnection) holds for every ChannelError.
type ChannelError struct {
	Op        string    // Operation that failed
	Group     string    // Channel group name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// NewChannelError wraps err as a connection failure of op on group
func NewChannelError(op, group string, err error) *ChannelError {
	return &ChannelError{
		Op:        op,
		Group:     group,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("msgbus channel error: %s on group %s: %v", e.Op, e.Group, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is makes every ChannelError match ErrChannelConnection
func (e *ChannelError) Is(target error) bool {
	return target == ErrChannelConnection
}

// Disposition is the outcome of handling one received message
type Disposition int

const (
	// DispositionDelivered means the callback succeeded
	DispositionDelivered Disposition = iota
	// DispositionDeadLetter means the message can never be delivered as-is
	DispositionDeadLetter
	// DispositionPoison means the message must be quarantined without retry
	DispositionPoison
	// DispositionRetry means the failure may be transient
	DispositionRetry
	// DispositionConnectionFault means the broker link is gone
	DispositionConnectionFault
)

func (d Disposition) String() string {
	switch d {
	case DispositionDelivered:
		return "delivered"
	case DispositionDeadLetter:
		return "dead-letter"
	case DispositionPoison:
		return "poison"
	case DispositionRetry:
		return "retry"
	case DispositionConnectionFault:
		return "connection-fault"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Classify maps a callback result to its disposition
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionDelivered
	case errors.Is(err, ErrChannelConnection):
		return DispositionConnectionFault
	case errors.Is(err, ErrDeadLetter):
		return DispositionDeadLetter
	case errors.Is(err, ErrPoisonMessage):
		return DispositionPoison
	default:
		return DispositionRetry
	}
}

// IsConnectionFault reports whether err is a broker link failure
func IsConnectionFault(err error) bool {
	return errors.Is(err, ErrChannelConnection)
}
