// Package interlock owns the TBM machine state and enforces the power-up
// ordering (120V, then 480V, then cutter head / water pump), the E-Stop
// trip/reset protocol and the shutdown cascade. Every mutation of the state
// goes through a Machine method.
//
// Invariants held after every committed transition:
//
//	rail480 => rail120
//	cutterHeadRunning || waterPumpRunning => rail480
//	eStopTripped => no rail energised, no motor running, HPU off
//	jacking frame moving => hpuEnabled && rail480 && !eStopTripped
package interlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tphummel/tbm_console/internal/models"
)

// Gateway is the Power/Motor Command Gateway as seen by the interlock.
type Gateway interface {
	SetRail(ctx context.Context, rail Rail, on bool) error
	StartMotor(ctx context.Context, motor Motor) error
	StopMotor(ctx context.Context, motor Motor) error
	SetFrequency(ctx context.Context, motor Motor, hz float64) error
	ResetEStop(ctx context.Context) error
}

// Recorder persists audit events. Failures are logged and never affect a
// transition.
type Recorder interface {
	RecordEvent(ctx context.Context, e *models.Event) error
}

// Options configures a Machine. Zero values select the defaults.
type Options struct {
	Logger     *slog.Logger
	Recorder   Recorder
	ConfirmTTL time.Duration
	Now        func() time.Time
}

// Machine is the interlock state machine.
type Machine struct {
	gw       Gateway
	logger   *slog.Logger
	recorder Recorder
	ttl      time.Duration
	now      func() time.Time

	// cmdMu serialises gateway command sequences. It is never taken while
	// holding mu.
	cmdMu sync.Mutex

	mu      sync.Mutex
	state   State
	pending map[string]Confirmation
	subs    map[int]chan State
	nextSub int
	// trips counts TriggerEStop calls, including absorbed repeats.
	trips uint64
}

// New creates a Machine in the Off phase with everything de-energised.
func New(gw Gateway, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConfirmTTL <= 0 {
		opts.ConfirmTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		gw:       gw,
		logger:   opts.Logger.With("component", "interlock"),
		recorder: opts.Recorder,
		ttl:      opts.ConfirmTTL,
		now:      opts.Now,
		pending:  make(map[string]Confirmation),
		subs:     make(map[int]chan State),
	}
	m.state.JackingFrame.Status = JackingStopped
	m.state.UpdatedAt = m.now().UTC()
	m.state.derive()
	return m
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() State {
	s := m.state
	if s.EStopTrippedAt != nil {
		t := *s.EStopTrippedAt
		s.EStopTrippedAt = &t
	}
	return s
}

// Subscribe returns a channel that receives a snapshot after every committed
// transition. Slow readers only see the latest snapshot. Call the returned
// func to unsubscribe.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// commitLocked stamps and publishes the state. Callers hold mu.
func (m *Machine) commitLocked() State {
	m.state.UpdatedAt = m.now().UTC()
	m.state.derive()
	s := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
	return s
}

// command is one gateway call in a dispatch sequence.
type command struct {
	op string
	fn func(context.Context) error
}

// dispatch sends cmds in order after the local commit. A failed command does
// not stop the ones after it and never rolls state back; the failures come
// back joined as a warning.
func (m *Machine) dispatch(ctx context.Context, cmds ...command) error {
	var errs []error
	for _, c := range cmds {
		if err := c.fn(ctx); err != nil {
			m.logger.Warn("gateway command failed", "op", c.op, "error", err)
			errs = append(errs, &GatewayError{Op: c.op, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m *Machine) railCmd(rail Rail, on bool) command {
	op := "set-" + string(rail) + "-off"
	if on {
		op = "set-" + string(rail) + "-on"
	}
	return command{op: op, fn: func(ctx context.Context) error { return m.gw.SetRail(ctx, rail, on) }}
}

func (m *Machine) stopCmd(motor Motor) command {
	return command{op: "stop-" + string(motor), fn: func(ctx context.Context) error { return m.gw.StopMotor(ctx, motor) }}
}

func (m *Machine) frequencyCmd(motor Motor, hz float64) command {
	return command{op: "set-frequency-" + string(motor), fn: func(ctx context.Context) error { return m.gw.SetFrequency(ctx, motor, hz) }}
}

// record writes an audit event. It must not be called while holding mu.
func (m *Machine) record(ctx context.Context, kind, subject, detail, reason string, warning error) {
	if m.recorder == nil {
		return
	}
	e := &models.Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Subject:   subject,
		Detail:    detail,
		Reason:    reason,
		Operator:  models.OperatorFrom(ctx),
		CreatedAt: m.now().UTC(),
	}
	if warning != nil {
		e.Warning = warning.Error()
	}
	if err := m.recorder.RecordEvent(context.WithoutCancel(ctx), e); err != nil {
		m.logger.Error("failed to record event", "kind", kind, "error", err)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
