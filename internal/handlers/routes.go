package handlers

import (
	"net/http"

	"github.com/tphummel/tbm_console/internal/metrics"
	"github.com/tphummel/tbm_console/internal/middleware"
)

// Routes registers every console route on mux. Routes under /api/v1 require
// the Bearer token; health, docs and the state streams do not.
func (h *Handler) Routes(mux *http.ServeMux, token string) {
	open := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, fn))
	}
	auth := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, middleware.Auth(token, fn)))
	}

	// Health check and API docs, no auth
	open("GET /healthz", h.Health)
	open("GET /openapi.yaml", OpenAPISpec)
	open("GET /openapi.json", OpenAPIJSON)
	open("GET /docs", Docs)

	// Read-only views
	auth("GET /api/v1/state", h.GetState)
	auth("GET /api/v1/sensors", h.ListSensors)
	auth("GET /api/v1/registers/snapshot", h.RegisterSnapshot)
	auth("GET /api/v1/events", h.ListEvents)
	auth("GET /api/v1/readings", h.ListReadings)

	// Interlocked commands
	auth("POST /api/v1/rails/{rail}", h.SetRail)
	auth("POST /api/v1/confirmations/{id}", h.ConfirmRailChange)
	auth("DELETE /api/v1/confirmations/{id}", h.CancelConfirmation)
	auth("POST /api/v1/motors/{motor}/start", h.StartMotor)
	auth("POST /api/v1/motors/{motor}/stop", h.StopMotor)
	auth("PUT /api/v1/motors/{motor}/frequency", h.SetFrequency)
	auth("POST /api/v1/estop", h.TriggerEStop)
	auth("POST /api/v1/estop/reset", h.ResetEStop)
	auth("POST /api/v1/hpu", h.SetHPU)
	auth("POST /api/v1/jacking-frame/{action}", h.JackingFrame)

	// Modbus console
	auth("GET /api/v1/registers", h.ReadRegisters)
	auth("POST /api/v1/registers", h.WriteRegister)

	// State streams
	if h.Streams != nil {
		mux.Handle("GET /events/", metrics.Middleware("GET /events/", h.Streams.SSE()))
		open("GET /ws/state", h.Streams.WebSocket)
	}
}
