package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tphummel/tbm_console/internal/db"
	"github.com/tphummel/tbm_console/internal/gateway"
	"github.com/tphummel/tbm_console/internal/interlock"
	"github.com/tphummel/tbm_console/internal/models"
	"github.com/tphummel/tbm_console/internal/sensors"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// RegisterClient is the Modbus console surface of the gateway.
type RegisterClient interface {
	ReadRegisters(ctx context.Context, unitID, register, count int) ([]int, error)
	WriteRegister(ctx context.Context, unitID, register, value int) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB        *db.DB
	Machine   *interlock.Machine
	Registers RegisterClient
	Sensors   *sensors.Store
	Critical  *sensors.RegisterStore
	Streams   *Streams
	// Protected blocks back interlocked outputs and cannot be written from
	// the Modbus console.
	Protected []gateway.RegisterBlock
	Version   string
	Commit    string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeMachineError maps interlock errors onto HTTP statuses.
func writeMachineError(w http.ResponseWriter, err error) {
	var gerr *interlock.GatewayError
	switch {
	case errors.Is(err, interlock.ErrEStopActive):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, interlock.ErrInterlockViolation), errors.Is(err, interlock.ErrNotTripped):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, interlock.ErrConfirmationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, interlock.ErrUnknownTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &gerr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("unexpected machine error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// commandResponse is the body of every accepted command.
type commandResponse struct {
	State        interlock.State         `json:"state"`
	Confirmation *interlock.Confirmation `json:"confirmation,omitempty"`
	Warning      string                  `json:"warning,omitempty"`
}

func writeResult(w http.ResponseWriter, res interlock.Result) {
	body := commandResponse{State: res.State, Confirmation: res.Pending}
	if res.Warning != nil {
		body.Warning = res.Warning.Error()
	}
	status := http.StatusOK
	if res.Pending != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, body)
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// optional is true. It writes the error response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// Health handles GET /healthz. No auth required.
// Returns 503 if the database is unreachable. The gateway link is reported but
// does not fail the check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s := h.Machine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      h.Version,
		"commit":       h.Commit,
		"link_healthy": s.LinkHealthy,
		"mode":         s.Mode,
	})
}

// GetState handles GET /api/v1/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Machine.Snapshot())
}

// ListSensors handles GET /api/v1/sensors.
func (h *Handler) ListSensors(w http.ResponseWriter, r *http.Request) {
	readings := h.Sensors.Snapshot()
	if readings == nil {
		readings = []sensors.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

// RegisterSnapshot handles GET /api/v1/registers/snapshot.
func (h *Handler) RegisterSnapshot(w http.ResponseWriter, r *http.Request) {
	snaps := h.Critical.Snapshot()
	if snaps == nil {
		snaps = []sensors.RegisterSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, false
	}
	return n, true
}

// ListEvents handles GET /api/v1/events with optional ?kind= and ?limit=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" && !models.ValidEventKinds[kind] {
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	events, err := h.DB.ListEvents(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListReadings handles GET /api/v1/readings with optional ?sensor= and ?limit=.
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	readings, err := h.DB.ListReadings(r.Context(), r.URL.Query().Get("sensor"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	if readings == nil {
		readings = []*models.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

// SetRail handles POST /api/v1/rails/{rail}. Switching on answers 202 with a
// confirmation that must be posted to /api/v1/confirmations/{id}.
func (h *Handler) SetRail(w http.ResponseWriter, r *http.Request) {
	rail, err := interlock.ParseRail(r.PathValue("rail"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req struct {
		On *bool `json:"on"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, "on is required")
		return
	}

	res, err := h.Machine.RequestRailChange(r.Context(), rail, *req.On)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// ConfirmRailChange handles POST /api/v1/confirmations/{id}.
func (h *Handler) ConfirmRailChange(w http.ResponseWriter, r *http.Request) {
	res, err := h.Machine.ConfirmRailChange(r.Context(), r.PathValue("id"))
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// CancelConfirmation handles DELETE /api/v1/confirmations/{id}.
func (h *Handler) CancelConfirmation(w http.ResponseWriter, r *http.Request) {
	if err := h.Machine.CancelConfirmation(r.Context(), r.PathValue("id")); err != nil {
		writeMachineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type frequencyRequest struct {
	FrequencyHz *float64 `json:"frequency_hz"`
}

// StartMotor handles POST /api/v1/motors/{motor}/start.
func (h *Handler) StartMotor(w http.ResponseWriter, r *http.Request) {
	motor, err := interlock.ParseMotor(r.PathValue("motor"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req frequencyRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.FrequencyHz == nil {
		writeError(w, http.StatusBadRequest, "frequency_hz is required")
		return
	}

	res, err := h.Machine.RequestMotorStart(r.Context(), motor, *req.FrequencyHz)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// StopMotor handles POST /api/v1/motors/{motor}/stop.
func (h *Handler) StopMotor(w http.ResponseWriter, r *http.Request) {
	motor, err := interlock.ParseMotor(r.PathValue("motor"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	res, err := h.Machine.RequestMotorStop(r.Context(), motor)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// SetFrequency handles PUT /api/v1/motors/{motor}/frequency.
func (h *Handler) SetFrequency(w http.ResponseWriter, r *http.Request) {
	motor, err := interlock.ParseMotor(r.PathValue("motor"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req frequencyRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.FrequencyHz == nil {
		writeError(w, http.StatusBadRequest, "frequency_hz is required")
		return
	}

	res, err := h.Machine.UpdateRunningFrequency(r.Context(), motor, *req.FrequencyHz)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// TriggerEStop handles POST /api/v1/estop. The body is optional.
func (h *Handler) TriggerEStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, true) {
		return
	}
	res, err := h.Machine.TriggerEStop(r.Context(), req.Reason)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// ResetEStop handles POST /api/v1/estop/reset.
func (h *Handler) ResetEStop(w http.ResponseWriter, r *http.Request) {
	res, err := h.Machine.ResetEStop(r.Context())
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// SetHPU handles POST /api/v1/hpu.
func (h *Handler) SetHPU(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	res, err := h.Machine.SetHPU(r.Context(), *req.Enabled)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// JackingFrame handles POST /api/v1/jacking-frame/{action} where action is
// extend, retract or stop.
func (h *Handler) JackingFrame(w http.ResponseWriter, r *http.Request) {
	var (
		res interlock.Result
		err error
	)
	switch r.PathValue("action") {
	case "extend":
		res, err = h.Machine.Extend(r.Context())
	case "retract":
		res, err = h.Machine.Retract(r.Context())
	case "stop":
		res, err = h.Machine.StopJackingFrame(r.Context())
	default:
		writeError(w, http.StatusNotFound, "unknown jacking frame action")
		return
	}
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeResult(w, res)
}

// ReadRegisters handles GET /api/v1/registers?unitId=&register=&range=.
// register accepts decimal, 0b and 0x forms.
func (h *Handler) ReadRegisters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unitID, err := strconv.Atoi(q.Get("unitId"))
	if err != nil || unitID < 0 || unitID > 247 {
		writeError(w, http.StatusBadRequest, "unitId must be between 0 and 247")
		return
	}
	register, err := gateway.ParseRegisterValue(q.Get("register"))
	if err != nil || register < 0 {
		writeError(w, http.StatusBadRequest, "invalid register")
		return
	}
	count := 1
	if raw := q.Get("range"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 1 || count > gateway.MaxRegisterRange {
			writeError(w, http.StatusBadRequest, "range must be between 1 and 100")
			return
		}
	}

	values, err := h.Registers.ReadRegisters(r.Context(), unitID, register, count)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unitId":   unitID,
		"register": register,
		"values":   values,
	})
}

// WriteRegister handles POST /api/v1/registers. Writes are refused while the
// E-Stop is tripped and, always, to registers in a protected block.
func (h *Handler) WriteRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UnitID   *int   `json:"unitId"`
		Register string `json:"register"`
		Value    string `json:"value"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.UnitID == nil || *req.UnitID < 0 || *req.UnitID > 247 {
		writeError(w, http.StatusBadRequest, "unitId must be between 0 and 247")
		return
	}
	register, err := gateway.ParseRegisterValue(req.Register)
	if err != nil || register < 0 {
		writeError(w, http.StatusBadRequest, "invalid register")
		return
	}
	value, err := gateway.ParseRegisterValue(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, b := range h.Protected {
		if b.Contains(*req.UnitID, register) {
			writeError(w, http.StatusConflict, "register is driven by the interlock and cannot be written directly")
			return
		}
	}
	if h.Machine.Snapshot().EStopTripped {
		writeError(w, http.StatusLocked, "register writes are disabled while the e-stop is tripped")
		return
	}

	writeErr := h.Registers.WriteRegister(r.Context(), *req.UnitID, register, value)
	e := &models.Event{
		ID:        uuid.New().String(),
		Kind:      models.EventRegisterWrite,
		Subject:   strconv.Itoa(*req.UnitID) + ":" + strconv.Itoa(register),
		Detail:    strconv.Itoa(value),
		Operator:  models.OperatorFrom(r.Context()),
		CreatedAt: time.Now().UTC(),
	}
	if writeErr != nil {
		e.Warning = writeErr.Error()
	}
	if err := h.DB.RecordEvent(context.WithoutCancel(r.Context()), e); err != nil {
		slog.Error("failed to record register write", "error", err)
	}
	if writeErr != nil {
		writeError(w, http.StatusBadGateway, writeErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"unitId":   *req.UnitID,
		"register": register,
		"value":    value,
	})
}
