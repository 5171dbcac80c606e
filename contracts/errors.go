package contracts

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is matched by every ArgumentError.
var ErrInvalidArgument = errors.New("msgbus: invalid argument")

// ArgumentError reports a missing or malformed argument to an operation.
type ArgumentError struct {
	Op     string // Operation that rejected the argument
	Arg    string // Argument name
	Reason string
}

// NewArgumentError creates an ArgumentError
func NewArgumentError(op, arg, reason string) *ArgumentError {
	return &ArgumentError{Op: op, Arg: arg, Reason: reason}
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("msgbus: %s: argument %q %s", e.Op, e.Arg, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidArgument) hold for any ArgumentError.
func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}
