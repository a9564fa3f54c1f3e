package interlock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tphummel/tbm_console/internal/models"
)

// RequestRailChange asks for rail to be switched. Switching off is immediate
// and cascades to everything that depends on the rail. Switching on is only
// validated here: the returned Result carries a pending Confirmation that
// must be passed to ConfirmRailChange before anything is energised.
func (m *Machine) RequestRailChange(ctx context.Context, rail Rail, desiredOn bool) (Result, error) {
	if _, err := ParseRail(string(rail)); err != nil {
		return Result{}, err
	}
	if !desiredOn {
		return m.railOff(ctx, rail)
	}

	m.mu.Lock()
	if err := m.checkRailOnLocked(rail); err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	m.expireLocked()
	c := Confirmation{
		ID:        uuid.New().String(),
		Rail:      rail,
		ExpiresAt: m.now().UTC().Add(m.ttl),
	}
	m.pending[c.ID] = c
	s := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("rail energise awaiting confirmation", "rail", rail, "confirmation", c.ID)
	m.record(ctx, models.EventConfirmation, string(rail), "requested", "", nil)
	return Result{State: s, Pending: &c}, nil
}

// ConfirmRailChange executes a pending energise request. Preconditions are
// checked again against the current state, so a confirmation issued before an
// E-Stop cannot energise anything after it.
func (m *Machine) ConfirmRailChange(ctx context.Context, id string) (Result, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	m.expireLocked()
	c, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return Result{}, ErrConfirmationNotFound
	}
	delete(m.pending, id)

	if err := m.checkRailOnLocked(c.Rail); err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	if m.railLocked(c.Rail) {
		s := m.snapshotLocked()
		m.mu.Unlock()
		return Result{State: s}, nil
	}
	m.setRailLocked(c.Rail, true)
	s := m.commitLocked()
	m.mu.Unlock()

	m.logger.Info("rail energised", "rail", c.Rail)
	warn := m.dispatch(ctx, m.railCmd(c.Rail, true))
	m.record(ctx, models.EventRail, string(c.Rail), "on", "", warn)
	return Result{State: s, Warning: warn}, nil
}

// CancelConfirmation discards a pending energise request.
func (m *Machine) CancelConfirmation(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return ErrConfirmationNotFound
	}
	m.record(ctx, models.EventConfirmation, string(c.Rail), "cancelled", "", nil)
	return nil
}

func (m *Machine) checkRailOnLocked(rail Rail) error {
	if m.state.EStopTripped {
		return fmt.Errorf("%w: cannot energise %s", ErrEStopActive, rail)
	}
	if rail == Rail480 && !m.state.Rail120 {
		return fmt.Errorf("%w: 480v requires 120v", ErrInterlockViolation)
	}
	return nil
}

func (m *Machine) expireLocked() {
	now := m.now()
	for id, c := range m.pending {
		if !now.Before(c.ExpiresAt) {
			delete(m.pending, id)
		}
	}
}

func (m *Machine) railLocked(rail Rail) bool {
	if rail == Rail480 {
		return m.state.Rail480
	}
	return m.state.Rail120
}

func (m *Machine) setRailLocked(rail Rail, on bool) {
	if rail == Rail480 {
		m.state.Rail480 = on
		return
	}
	m.state.Rail120 = on
}

// railOff de-energises rail. The whole cascade is committed under one lock
// before any command is sent; commands then go out deepest dependent first.
func (m *Machine) railOff(ctx context.Context, rail Rail) (Result, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	m.mu.Lock()
	if m.state.EStopTripped {
		s := m.snapshotLocked()
		m.mu.Unlock()
		return Result{State: s}, nil
	}

	prev := m.state
	m.shedLoadLocked()
	if rail == Rail120 {
		m.state.Rail120 = false
	}
	s := m.commitLocked()
	m.mu.Unlock()

	var cmds []command
	if prev.CutterHeadRunning {
		cmds = append(cmds, m.stopCmd(CutterHead))
	}
	if prev.WaterPumpRunning {
		cmds = append(cmds, m.stopCmd(WaterPump))
	}
	if rail == Rail480 || prev.Rail480 {
		cmds = append(cmds, m.railCmd(Rail480, false))
	}
	if rail == Rail120 {
		cmds = append(cmds, m.railCmd(Rail120, false))
	}

	m.logger.Info("rail de-energised", "rail", rail,
		"cascade_480v", rail == Rail120 && prev.Rail480,
		"stopped_cutterhead", prev.CutterHeadRunning,
		"stopped_waterpump", prev.WaterPumpRunning)
	warn := m.dispatch(ctx, cmds...)
	m.record(ctx, models.EventRail, string(rail), "off", "", warn)
	return Result{State: s, Warning: warn}, nil
}

// shedLoadLocked drops 480V and everything fed by it.
func (m *Machine) shedLoadLocked() {
	m.state.Rail480 = false
	m.state.CutterHeadRunning, m.state.CutterHeadFrequencyHz = false, 0
	m.state.WaterPumpRunning, m.state.WaterPumpFrequencyHz = false, 0
	m.state.HPUEnabled = false
	m.state.JackingFrame.Status = JackingStopped
}
