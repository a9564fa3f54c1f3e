package interlock

import (
	"context"
	"fmt"

	"github.com/tphummel/tbm_console/internal/models"
)

// SetHPU switches the hydraulic power unit. Enabling needs 480V and no trip;
// disabling always succeeds and stops the jacking frame.
func (m *Machine) SetHPU(ctx context.Context, enabled bool) (Result, error) {
	m.mu.Lock()
	if enabled {
		if m.state.EStopTripped {
			m.mu.Unlock()
			return Result{}, fmt.Errorf("%w: cannot enable hpu", ErrEStopActive)
		}
		if !m.state.Rail480 {
			m.mu.Unlock()
			return Result{}, fmt.Errorf("%w: hpu requires 480v", ErrInterlockViolation)
		}
	}
	m.state.HPUEnabled = enabled
	if !enabled {
		m.state.JackingFrame.Status = JackingStopped
	}
	s := m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("hpu switched", "enabled", enabled)
	m.record(ctx, models.EventHPU, "hpu", onOff(enabled), "", nil)
	return Result{State: s}, nil
}

// Extend starts pushing the jacking frame forward.
func (m *Machine) Extend(ctx context.Context) (Result, error) {
	return m.moveJackingFrame(ctx, JackingExtending)
}

// Retract starts pulling the jacking frame back.
func (m *Machine) Retract(ctx context.Context) (Result, error) {
	return m.moveJackingFrame(ctx, JackingRetracting)
}

// StopJackingFrame halts the frame where it is.
func (m *Machine) StopJackingFrame(ctx context.Context) (Result, error) {
	return m.moveJackingFrame(ctx, JackingStopped)
}

func (m *Machine) moveJackingFrame(ctx context.Context, status JackingStatus) (Result, error) {
	m.mu.Lock()
	if status != JackingStopped {
		if m.state.EStopTripped {
			m.mu.Unlock()
			return Result{}, fmt.Errorf("%w: cannot move jacking frame", ErrEStopActive)
		}
		if !m.state.HPUEnabled || !m.state.Rail480 {
			m.mu.Unlock()
			return Result{}, fmt.Errorf("%w: jacking frame requires hpu and 480v", ErrInterlockViolation)
		}
		pos := m.state.JackingFrame.PositionPct
		if (status == JackingExtending && pos >= 100) || (status == JackingRetracting && pos <= 0) {
			status = JackingStopped
		}
	}
	m.state.JackingFrame.Status = status
	s := m.commitLocked()
	m.mu.Unlock()

	m.record(ctx, models.EventJackingFrame, "jacking_frame", string(status), "", nil)
	return Result{State: s}, nil
}

// AdvanceJackingFrame moves a travelling frame by stepPct and stops it at
// either end of the stroke. It is a no-op while the frame is stopped.
func (m *Machine) AdvanceJackingFrame(stepPct float64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	jf := &m.state.JackingFrame
	switch jf.Status {
	case JackingExtending:
		jf.PositionPct = min(jf.PositionPct+stepPct, 100)
		if jf.PositionPct >= 100 {
			jf.Status = JackingStopped
		}
	case JackingRetracting:
		jf.PositionPct = max(jf.PositionPct-stepPct, 0)
		if jf.PositionPct <= 0 {
			jf.Status = JackingStopped
		}
	default:
		return m.snapshotLocked()
	}
	return m.commitLocked()
}
