package interlock

import (
	"fmt"
	"time"
)

// Rail is a controllable power bus.
type Rail string

const (
	Rail120 Rail = "120v"
	Rail480 Rail = "480v"
)

// ParseRail validates an operator-supplied rail name.
func ParseRail(s string) (Rail, error) {
	switch r := Rail(s); r {
	case Rail120, Rail480:
		return r, nil
	}
	return "", fmt.Errorf("%w: rail %q", ErrUnknownTarget, s)
}

// Motor is a VFD-driven motor.
type Motor string

const (
	CutterHead Motor = "cutterhead"
	WaterPump  Motor = "waterpump"
)

// ParseMotor validates an operator-supplied motor name.
func ParseMotor(s string) (Motor, error) {
	switch m := Motor(s); m {
	case CutterHead, WaterPump:
		return m, nil
	}
	return "", fmt.Errorf("%w: motor %q", ErrUnknownTarget, s)
}

// MaxFrequencyHz is the top of the VFD command range.
const MaxFrequencyHz = 60.0

// Phase is the position on the power-up axis, derived from the rail and motor
// flags.
type Phase string

const (
	PhaseOff       Phase = "Off"
	PhaseHbvOn     Phase = "HbvOn"
	PhasePoweredOn Phase = "PoweredOn"
	PhaseOperating Phase = "Operating"
)

// Mode is orthogonal to Phase. EStopped absorbs every command except reset.
type Mode string

const (
	ModeNormal   Mode = "Normal"
	ModeEStopped Mode = "EStopped"
)

// JackingStatus is the direction the thrust cylinders are travelling.
type JackingStatus string

const (
	JackingStopped    JackingStatus = "stopped"
	JackingExtending  JackingStatus = "extending"
	JackingRetracting JackingStatus = "retracting"
)

// JackingFrame is the jacking-frame motion state. Position is percent of
// stroke.
type JackingFrame struct {
	Status      JackingStatus `json:"status"`
	PositionPct float64       `json:"position_pct"`
}

// State is a snapshot of the machine. Readers only ever get copies.
type State struct {
	Rail120               bool         `json:"rail_120v"`
	Rail480               bool         `json:"rail_480v"`
	CutterHeadRunning     bool         `json:"cutter_head_running"`
	CutterHeadFrequencyHz float64      `json:"cutter_head_frequency_hz"`
	WaterPumpRunning      bool         `json:"water_pump_running"`
	WaterPumpFrequencyHz  float64      `json:"water_pump_frequency_hz"`
	EStopTripped          bool         `json:"estop_tripped"`
	EStopReason           string       `json:"estop_reason"`
	EStopTrippedAt        *time.Time   `json:"estop_tripped_at,omitempty"`
	HPUEnabled            bool         `json:"hpu_enabled"`
	LinkHealthy           bool         `json:"link_healthy"`
	JackingFrame          JackingFrame `json:"jacking_frame"`
	Phase                 Phase        `json:"phase"`
	Mode                  Mode         `json:"mode"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

func (s *State) derive() {
	switch {
	case s.Rail480 && (s.CutterHeadRunning || s.WaterPumpRunning):
		s.Phase = PhaseOperating
	case s.Rail480:
		s.Phase = PhasePoweredOn
	case s.Rail120:
		s.Phase = PhaseHbvOn
	default:
		s.Phase = PhaseOff
	}
	if s.EStopTripped {
		s.Mode = ModeEStopped
	} else {
		s.Mode = ModeNormal
	}
}

// Running reports whether motor is commanded on.
func (s State) Running(m Motor) bool {
	if m == WaterPump {
		return s.WaterPumpRunning
	}
	return s.CutterHeadRunning
}

// FrequencyHz returns the commanded frequency of motor.
func (s State) FrequencyHz(m Motor) float64 {
	if m == WaterPump {
		return s.WaterPumpFrequencyHz
	}
	return s.CutterHeadFrequencyHz
}

func (s *State) setMotor(m Motor, running bool, hz float64) {
	if m == WaterPump {
		s.WaterPumpRunning, s.WaterPumpFrequencyHz = running, hz
		return
	}
	s.CutterHeadRunning, s.CutterHeadFrequencyHz = running, hz
}

// Confirmation is a pending energise request waiting for the operator to
// confirm it.
type Confirmation struct {
	ID        string    `json:"id"`
	Rail      Rail      `json:"rail"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is returned by every accepted command. Warning carries gateway
// failures that did not roll back the local commit.
type Result struct {
	State   State
	Pending *Confirmation
	Warning error
}
