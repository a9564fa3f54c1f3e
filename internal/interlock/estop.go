package interlock

import (
	"context"
	"fmt"

	"github.com/tphummel/tbm_console/internal/models"
)

const (
	// DefaultEStopReason is used when the operator gives none.
	DefaultEStopReason = "Manual E-Stop Activated"
	// ReasonLinkLost is the trip reason when the control server stops
	// answering health checks.
	ReasonLinkLost = "LINK LOST"
)

// TriggerEStop trips the machine. Everything is marked off locally first and
// published before any command is sent, so the trip never waits behind an
// in-flight command. The de-energise commands are then sent once, best
// effort. Tripping an already tripped machine keeps the original reason and
// sends nothing.
func (m *Machine) TriggerEStop(ctx context.Context, reason string) (Result, error) {
	if reason == "" {
		reason = DefaultEStopReason
	}

	m.mu.Lock()
	m.trips++
	if m.state.EStopTripped {
		s := m.snapshotLocked()
		m.mu.Unlock()
		return Result{State: s}, nil
	}
	prev := m.state
	now := m.now().UTC()
	m.shedLoadLocked()
	m.state.Rail120 = false
	m.state.EStopTripped = true
	m.state.EStopReason = reason
	m.state.EStopTrippedAt = &now
	s := m.commitLocked()
	m.mu.Unlock()

	m.logger.Warn("e-stop tripped", "reason", reason,
		"rail_120v", prev.Rail120, "rail_480v", prev.Rail480,
		"cutterhead", prev.CutterHeadRunning, "waterpump", prev.WaterPumpRunning)

	m.cmdMu.Lock()
	warn := m.dispatch(ctx, m.railCmd(Rail480, false), m.railCmd(Rail120, false))
	m.cmdMu.Unlock()

	m.record(ctx, models.EventEStopTrip, "estop", "tripped", reason, warn)
	return Result{State: s, Warning: warn}, nil
}

// ResetEStop clears a trip once the hardware confirms the reset. On failure
// the machine stays tripped with its reason and the error carries an
// acknowledgment-required message. A trip that lands while the reset is in
// flight wins.
func (m *Machine) ResetEStop(ctx context.Context) (Result, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	if !m.state.EStopTripped {
		m.mu.Unlock()
		return Result{}, ErrNotTripped
	}
	reason := m.state.EStopReason
	trips := m.trips
	m.mu.Unlock()

	if err := m.gw.ResetEStop(ctx); err != nil {
		m.logger.Error("e-stop reset failed", "reason", reason, "error", err)
		rerr := &GatewayError{Op: "reset-estop", Err: &ResetError{Reason: reason, Err: err}}
		m.record(ctx, models.EventEStopResetFailed, "estop", "reset failed", reason, rerr)
		return Result{}, rerr
	}

	m.mu.Lock()
	if m.trips != trips {
		m.mu.Unlock()
		m.logger.Warn("e-stop reset superseded by a new trip", "reason", reason)
		return Result{}, fmt.Errorf("%w: tripped again during reset", ErrEStopActive)
	}
	m.state.EStopTripped = false
	m.state.EStopReason = ""
	m.state.EStopTrippedAt = nil
	s := m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("e-stop reset", "previous_reason", reason)
	m.record(ctx, models.EventEStopReset, "estop", "reset", reason, nil)
	return Result{State: s}, nil
}

// ObserveLink feeds one health-check outcome into the machine. Losing the link
// while running trips the E-Stop.
func (m *Machine) ObserveLink(ctx context.Context, healthy bool, cause error) {
	m.mu.Lock()
	changed := m.state.LinkHealthy != healthy
	if changed {
		m.state.LinkHealthy = healthy
		m.commitLocked()
	}
	tripped := m.state.EStopTripped
	m.mu.Unlock()

	if changed {
		detail := "up"
		if !healthy {
			detail = "down"
			m.logger.Error("link to control server lost", "error", cause)
		} else {
			m.logger.Info("link to control server restored")
		}
		var warn error
		if cause != nil {
			warn = fmt.Errorf("%w: %w", ErrLinkLost, cause)
		}
		m.record(ctx, models.EventLink, "gateway", detail, "", warn)
	}

	if !healthy && !tripped {
		_, _ = m.TriggerEStop(ctx, ReasonLinkLost)
	}
}
