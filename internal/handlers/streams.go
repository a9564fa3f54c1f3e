package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/websocket"
	"github.com/tphummel/tbm_console/internal/interlock"
)

// StateChannel is the SSE channel carrying machine snapshots.
const StateChannel = "/events/state"

const (
	wsWriteTimeout  = 5 * time.Second
	sseCloseTimeout = 2 * time.Second
)

// Streams pushes machine snapshots to browsers over SSE and WebSocket.
type Streams struct {
	machine  *interlock.Machine
	logger   *slog.Logger
	sse      *sse.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients int // SSE handlers currently running
	closed  bool
}

func NewStreams(m *interlock.Machine, logger *slog.Logger) *Streams {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streams{
		machine: m,
		logger:  logger.With("component", "streams"),
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(io.Discard, "", 0),
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The console UI is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run forwards every machine transition to SSE clients until ctx is done.
func (s *Streams) Run(ctx context.Context) {
	ch, cancel := s.machine.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-ch:
			if !ok {
				return
			}
			s.Publish(state)
		}
	}
}

// Publish sends one snapshot to every SSE client. go-sse's client map is not
// locked, so nothing is sent unless a handler is running.
func (s *Streams) Publish(state interlock.State) {
	if !s.streaming() {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("marshal state", "error", err)
		return
	}
	// go-sse closes a client's send channel from its dispatcher when the
	// client disconnects, which can race with this send.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("sse client went away during send", "panic", r)
		}
	}()
	s.sse.SendMessage(StateChannel, sse.SimpleMessage(string(data)))
}

func (s *Streams) streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.clients > 0
}

func (s *Streams) sseClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

// SSE handles GET /events/state. Requests after Close get 503.
func (s *Streams) SSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			writeError(w, http.StatusServiceUnavailable, "state stream closed")
			return
		}
		s.clients++
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.clients--
			s.mu.Unlock()
		}()
		s.sse.ServeHTTP(w, r)
	})
}

// Close disconnects all SSE clients and refuses new ones. It returns once
// every SSE handler has finished, or after sseCloseTimeout. It is safe to
// call more than once.
//
// go-sse's Server.Shutdown deadlocks while a channel has clients, so the
// state channel is closed instead. A handler that registered after the
// first close is caught by the next one.
func (s *Streams) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(sseCloseTimeout)
	for {
		s.sse.CloseChannel(StateChannel)
		if s.sseClients() == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn("sse clients still connected after close", "clients", s.sseClients())
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WebSocket handles GET /ws/state. The current snapshot is sent on connect,
// then one message per transition.
func (s *Streams) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.machine.Subscribe()
	defer cancel()

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(state interlock.State) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
		if err := conn.WriteJSON(state); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	if !send(s.machine.Snapshot()) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case state, ok := <-ch:
			if !ok || !send(state) {
				return
			}
		}
	}
}
