package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tphummel/tbm_console/internal/interlock"
	"github.com/tphummel/tbm_console/internal/sensors"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbm_console_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbm_console_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tbm_console_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbm_console_poll_ticks_total",
			Help: "Background poll ticks by task and result.",
		},
		[]string{"task", "result"},
	)
)

// EventDB is the subset of db.DB needed to report audit event counts.
type EventDB interface {
	CountEventsByKind() (map[string]int, error)
}

// StateSource provides machine snapshots.
type StateSource interface {
	Snapshot() interlock.State
}

// SensorSource provides the latest sensor readings.
type SensorSource interface {
	Snapshot() []sensors.Reading
}

// eventCollector queries the database on each scrape.
type eventCollector struct {
	db         EventDB
	eventsDesc *prometheus.Desc
}

func (c *eventCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
}

func (c *eventCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.db.CountEventsByKind()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.eventsDesc, err)
		return
	}
	for kind, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.GaugeValue, float64(n), kind)
	}
}

// machineCollector reports the interlock state as of the scrape.
type machineCollector struct {
	machine StateSource

	railDesc      *prometheus.Desc
	motorDesc     *prometheus.Desc
	frequencyDesc *prometheus.Desc
	estopDesc     *prometheus.Desc
	linkDesc      *prometheus.Desc
	hpuDesc       *prometheus.Desc
	jackingDesc   *prometheus.Desc
}

func newMachineCollector(m StateSource) *machineCollector {
	return &machineCollector{
		machine:       m,
		railDesc:      prometheus.NewDesc("tbm_console_rail_energised", "Whether a power rail is energised.", []string{"rail"}, nil),
		motorDesc:     prometheus.NewDesc("tbm_console_motor_running", "Whether a motor is commanded on.", []string{"motor"}, nil),
		frequencyDesc: prometheus.NewDesc("tbm_console_motor_frequency_hz", "Commanded motor frequency.", []string{"motor"}, nil),
		estopDesc:     prometheus.NewDesc("tbm_console_estop_tripped", "Whether the E-Stop is tripped.", nil, nil),
		linkDesc:      prometheus.NewDesc("tbm_console_link_healthy", "Whether the control server link is healthy.", nil, nil),
		hpuDesc:       prometheus.NewDesc("tbm_console_hpu_enabled", "Whether the hydraulic power unit is enabled.", nil, nil),
		jackingDesc:   prometheus.NewDesc("tbm_console_jacking_frame_position_pct", "Jacking frame position in percent of stroke.", nil, nil),
	}
}

func (c *machineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.railDesc, c.motorDesc, c.frequencyDesc, c.estopDesc, c.linkDesc, c.hpuDesc, c.jackingDesc} {
		ch <- d
	}
}

func (c *machineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.machine.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(c.railDesc, b2f(s.Rail120), string(interlock.Rail120))
	gauge(c.railDesc, b2f(s.Rail480), string(interlock.Rail480))
	for _, m := range []interlock.Motor{interlock.CutterHead, interlock.WaterPump} {
		gauge(c.motorDesc, b2f(s.Running(m)), string(m))
		gauge(c.frequencyDesc, s.FrequencyHz(m), string(m))
	}
	gauge(c.estopDesc, b2f(s.EStopTripped))
	gauge(c.linkDesc, b2f(s.LinkHealthy))
	gauge(c.hpuDesc, b2f(s.HPUEnabled))
	gauge(c.jackingDesc, s.JackingFrame.PositionPct)
}

// sensorCollector exports the latest successful sensor values.
type sensorCollector struct {
	store     SensorSource
	valueDesc *prometheus.Desc
}

func (c *sensorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.valueDesc
}

func (c *sensorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.store.Snapshot() {
		if r.Value == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.valueDesc, prometheus.GaugeValue, *r.Value, r.Name, r.Board, r.Unit, string(r.Severity))
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Register registers all metrics with reg. Call once at startup after the
// database and machine are initialised.
func Register(reg prometheus.Registerer, db EventDB, machine StateSource, store SensorSource) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,
		pollTicksTotal,

		// Application metrics
		&eventCollector{
			db: db,
			eventsDesc: prometheus.NewDesc(
				"tbm_console_events_total",
				"Number of audit events recorded, partitioned by kind.",
				[]string{"kind"},
				nil,
			),
		},
		newMachineCollector(machine),
		&sensorCollector{
			store: store,
			valueDesc: prometheus.NewDesc(
				"tbm_console_sensor_value",
				"Latest sensor reading.",
				[]string{"sensor", "board", "unit", "severity"},
				nil,
			),
		},
	)
}

// ObservePoll counts one background poll tick. It matches poller.Group.OnTick.
func ObservePoll(task string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pollTicksTotal.WithLabelValues(task, result).Inc()
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush, Hijack and CloseNotify keep the SSE and WebSocket routes working
// behind the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (rw *responseWriter) CloseNotify() <-chan bool {
	if cn, ok := rw.ResponseWriter.(http.CloseNotifier); ok { //nolint:staticcheck
		return cn.CloseNotify()
	}
	return make(chan bool)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/v1/motors/{motor}/start")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
