package interlock

import (
	"errors"
	"fmt"
)

var (
	// ErrInterlockViolation rejects a transition that would break a dependency
	// rule. Nothing is sent to the gateway and state is unchanged.
	ErrInterlockViolation = errors.New("interlock violation")

	// ErrEStopActive rejects an energise request while the E-Stop is tripped.
	ErrEStopActive = errors.New("e-stop active")

	ErrNotTripped           = errors.New("e-stop is not tripped")
	ErrConfirmationNotFound = errors.New("confirmation not found or expired")
	ErrUnknownTarget        = errors.New("unknown target")

	ErrNotRunning       = fmt.Errorf("%w: motor is not running", ErrInterlockViolation)
	ErrInvalidFrequency = fmt.Errorf("%w: frequency outside 0..60 Hz", ErrInterlockViolation)

	// ErrLinkLost is the cause recorded when the health poll fails.
	ErrLinkLost = errors.New("link lost")
)

// GatewayError wraps a transport or command failure from the control server.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ResetError is returned when the hardware did not confirm an E-Stop reset.
// The machine stays tripped and the operator has to acknowledge the fault.
type ResetError struct {
	Reason string
	Err    error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("e-stop reset not confirmed by hardware, machine remains stopped (%s); acknowledge the fault and reset again: %v", e.Reason, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }
