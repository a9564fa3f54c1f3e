package models

import (
	"context"
	"time"
)

// Event is one entry in the operator audit log.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail"`
	Reason    string    `json:"reason,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	Warning   string    `json:"warning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event kinds written by the interlock and the register console.
const (
	EventRail             = "rail"
	EventMotor            = "motor"
	EventFrequency        = "frequency"
	EventEStopTrip        = "estop_trip"
	EventEStopReset       = "estop_reset"
	EventEStopResetFailed = "estop_reset_failed"
	EventHPU              = "hpu"
	EventJackingFrame     = "jacking_frame"
	EventLink             = "link"
	EventRegisterWrite    = "register_write"
	EventConfirmation     = "confirmation"
)

// ValidEventKinds is the set of kinds accepted by the ?kind= filter.
var ValidEventKinds = map[string]bool{
	EventRail:             true,
	EventMotor:            true,
	EventFrequency:        true,
	EventEStopTrip:        true,
	EventEStopReset:       true,
	EventEStopResetFailed: true,
	EventHPU:              true,
	EventJackingFrame:     true,
	EventLink:             true,
	EventRegisterWrite:    true,
	EventConfirmation:     true,
}

// Reading is one logged sensor sample. Value is nil when the gateway read
// failed.
type Reading struct {
	Sensor   string    `json:"sensor"`
	Value    *float64  `json:"value"`
	Unit     string    `json:"unit"`
	Severity string    `json:"severity"`
	ReadAt   time.Time `json:"read_at"`
}

type operatorKey struct{}

// WithOperator returns a copy of ctx carrying the operator name.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey{}, name)
}

// OperatorFrom returns the operator stored by WithOperator, or "system" for
// machine-initiated actions such as the link-health trip.
func OperatorFrom(ctx context.Context) string {
	if ctx != nil {
		if name, ok := ctx.Value(operatorKey{}).(string); ok && name != "" {
			return name
		}
	}
	return "system"
}
