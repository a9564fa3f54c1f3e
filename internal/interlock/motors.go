package interlock

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/tphummel/tbm_console/internal/models"
)

// RequestMotorStart starts motor at hz. The motor is only marked running once
// the gateway has accepted the start; a failed frequency set after that is
// reported as a warning.
func (m *Machine) RequestMotorStart(ctx context.Context, motor Motor, hz float64) (Result, error) {
	if _, err := ParseMotor(string(motor)); err != nil {
		return Result{}, err
	}
	if hz < 0 || hz > MaxFrequencyHz || math.IsNaN(hz) {
		return Result{}, ErrInvalidFrequency
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	err := m.checkMotorStartLocked(motor)
	m.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	if err := m.gw.StartMotor(ctx, motor); err != nil {
		m.logger.Warn("motor start rejected by gateway", "motor", motor, "error", err)
		return Result{}, &GatewayError{Op: "start-" + string(motor), Err: err}
	}
	warn := m.dispatch(ctx, m.frequencyCmd(motor, hz))

	// An E-Stop or rail drop may have landed while the commands were in
	// flight. It wins.
	m.mu.Lock()
	if err := m.checkMotorStartLocked(motor); err != nil {
		m.mu.Unlock()
		m.logger.Warn("motor start overtaken by shutdown", "motor", motor, "error", err)
		_ = m.dispatch(ctx, m.stopCmd(motor))
		return Result{}, err
	}
	m.state.setMotor(motor, true, hz)
	s := m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("motor started", "motor", motor, "frequency_hz", hz)
	m.record(ctx, models.EventMotor, string(motor), "start "+formatHz(hz), "", warn)
	return Result{State: s, Warning: warn}, nil
}

// RequestMotorStop stops motor. Stopping is always permitted.
func (m *Machine) RequestMotorStop(ctx context.Context, motor Motor) (Result, error) {
	if _, err := ParseMotor(string(motor)); err != nil {
		return Result{}, err
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	m.state.setMotor(motor, false, 0)
	s := m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("motor stopped", "motor", motor)
	warn := m.dispatch(ctx, m.stopCmd(motor))
	m.record(ctx, models.EventMotor, string(motor), "stop", "", warn)
	return Result{State: s, Warning: warn}, nil
}

// UpdateRunningFrequency changes the frequency of a running motor. hz is
// clamped to 0..60.
func (m *Machine) UpdateRunningFrequency(ctx context.Context, motor Motor, hz float64) (Result, error) {
	if _, err := ParseMotor(string(motor)); err != nil {
		return Result{}, err
	}
	if math.IsNaN(hz) {
		return Result{}, ErrInvalidFrequency
	}
	hz = min(max(hz, 0), MaxFrequencyHz)

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	if m.state.EStopTripped {
		m.mu.Unlock()
		return Result{}, ErrEStopActive
	}
	if !m.state.Running(motor) {
		m.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	m.state.setMotor(motor, true, hz)
	s := m.commitLocked()
	m.mu.Unlock()

	warn := m.dispatch(ctx, m.frequencyCmd(motor, hz))
	m.record(ctx, models.EventFrequency, string(motor), formatHz(hz), "", warn)
	return Result{State: s, Warning: warn}, nil
}

func (m *Machine) checkMotorStartLocked(motor Motor) error {
	if m.state.EStopTripped {
		return fmt.Errorf("%w: cannot start %s", ErrEStopActive, motor)
	}
	if !m.state.Rail480 {
		return fmt.Errorf("%w: %s requires 480v", ErrInterlockViolation, motor)
	}
	return nil
}

func formatHz(hz float64) string {
	return strconv.FormatFloat(hz, 'f', -1, 64) + " Hz"
}
