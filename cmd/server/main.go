package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tphummel/tbm_console/internal/db"
	"github.com/tphummel/tbm_console/internal/gateway"
	"github.com/tphummel/tbm_console/internal/handlers"
	"github.com/tphummel/tbm_console/internal/interlock"
	"github.com/tphummel/tbm_console/internal/metrics"
	"github.com/tphummel/tbm_console/internal/middleware"
	"github.com/tphummel/tbm_console/internal/poller"
	"github.com/tphummel/tbm_console/internal/sensors"
)

// version and commit are injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// linkTask feeds the control server health check into the interlock. A failed
// check counts as a lost link.
func linkTask(client *gateway.Client, machine *interlock.Machine) func(context.Context) error {
	return func(ctx context.Context) error {
		healthy, err := client.LinkHealthy(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil && !healthy {
			err = interlock.ErrLinkLost
		}
		machine.ObserveLink(ctx, err == nil, err)
		return err
	}
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	logger := slog.Default()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	client := gateway.NewClient(cfg.GatewayURL, gateway.Options{
		Timeout:        cfg.GatewayTimeout,
		HealthPath:     cfg.HealthPath,
		ResetPath:      cfg.ResetPath,
		FrequencyScale: cfg.FrequencyScale,
	})
	machine := interlock.New(client, interlock.Options{
		Logger:     logger,
		Recorder:   database,
		ConfirmTTL: cfg.ConfirmTTL,
	})

	sensorStore := sensors.NewStore()
	critical := sensors.NewRegisterStore(client, cfg.RegisterBlocks)
	sensorPoll := &sensors.Poller{Reader: client, Store: sensorStore, Sensors: sensors.ByGroup(sensors.GroupSensor), Logger: logger}
	powerPoll := &sensors.Poller{Reader: client, Store: sensorStore, Sensors: sensors.ByGroup(sensors.GroupPower), Logger: logger}
	if cfg.DataLogging {
		sensorPoll.Sink = database
		powerPoll.Sink = database
	}

	pollers := poller.NewGroup(logger)
	pollers.OnTick = metrics.ObservePoll
	pollers.Add(poller.Task{Name: "sensors", Interval: cfg.SensorInterval, Run: sensorPoll.Refresh})
	pollers.Add(poller.Task{Name: "power", Interval: cfg.PowerInterval, Run: powerPoll.Refresh})
	pollers.Add(poller.Task{Name: "link", Interval: cfg.LinkInterval, Run: linkTask(client, machine)})
	pollers.Add(poller.Task{Name: "registers", Interval: cfg.RegisterInterval, Run: critical.Refresh})
	pollers.Add(poller.Task{Name: "jacking", Interval: cfg.JackingInterval, Run: func(context.Context) error {
		machine.AdvanceJackingFrame(cfg.JackingStep)
		return nil
	}})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pollers.Start(ctx)

	streams := handlers.NewStreams(machine, logger)
	go streams.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics.Register(reg, database, machine, sensorStore)

	h := &handlers.Handler{
		DB:        database,
		Machine:   machine,
		Registers: client,
		Sensors:   sensorStore,
		Critical:  critical,
		Streams:   streams,
		Protected: cfg.ProtectedRegisters,
		Version:   version,
		Commit:    commit,
	}

	mux := http.NewServeMux()
	h.Routes(mux, cfg.Token)

	// Prometheus metrics, no auth
	mux.Handle("GET /metrics", metrics.Handler(reg))

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	handler := middleware.RequestLogger(logger, skip, mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No ReadTimeout or WriteTimeout: either would cut the SSE stream.
		// Bodies are capped by the handlers and WebSocket writes set their
		// own deadline.
	}

	go func() {
		log.Printf("listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")
	stop()
	pollers.Stop()
	streams.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}
	log.Println("server stopped")
}
