// Package gateway is the HTTP client for the TBM control server. It covers both
// the read-only sensor endpoints and the power/motor command endpoints; the
// interlock decides whether a command may be sent, this package only sends it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/tbm_console/internal/interlock"
)

// DefaultFrequencyScale converts Hz to VFD register units: 20000 counts is
// 60 Hz on the installed drives.
const DefaultFrequencyScale = 20000.0 / 60.0

// MaxRegisterRange is the largest block the control server will read at once.
const MaxRegisterRange = 100

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Timeout        time.Duration
	HealthPath     string
	ResetPath      string
	FrequencyScale float64
}

// Client is an HTTP client for the TBM control server.
type Client struct {
	endpoint       string
	httpClient     *http.Client
	healthPath     string
	resetPath      string
	frequencyScale float64
}

// NewClient creates a Client targeting endpoint, e.g. "http://127.0.0.1:8080".
func NewClient(endpoint string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/rs485"
	}
	if opts.ResetPath == "" {
		opts.ResetPath = "/api/estop/reset"
	}
	if opts.FrequencyScale <= 0 {
		opts.FrequencyScale = DefaultFrequencyScale
	}
	return &Client{
		endpoint:       strings.TrimRight(endpoint, "/"),
		httpClient:     &http.Client{Timeout: opts.Timeout},
		healthPath:     opts.HealthPath,
		resetPath:      opts.ResetPath,
		frequencyScale: opts.FrequencyScale,
	}
}

// StatusError is returned when the control server answers with a non-2xx
// status.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

// do sends the request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// errorMessage pulls the human-readable part out of the server's
// {"status":"error","message":...} or {"error":...,"details":...} bodies.
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Details != "":
		return body.Error + ": " + body.Details
	default:
		return body.Error
	}
}

// ReadSensor fetches a single named value, e.g. ReadSensor(ctx, "bg/motor-temp")
// reads GET /api/bg/motor-temp.
func (c *Client) ReadSensor(ctx context.Context, sensorPath string) (float64, error) {
	path := "/api/" + strings.TrimLeft(sensorPath, "/")
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	v, err := decodeValue(data)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", path, err)
	}
	return v, nil
}

var errNoValue = errors.New("response carries no numeric value")

// decodeValue accepts a bare number, {"value": n}, or {"name": {"value": n}}.
func decodeValue(data []byte) (float64, error) {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, errNoValue
	}
	if raw, ok := obj["value"]; ok {
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, nil
		}
		return 0, errNoValue
	}
	if len(obj) == 1 {
		for _, raw := range obj {
			return decodeValue(raw)
		}
	}
	return 0, errNoValue
}

// SetRail energises or de-energises a power rail.
func (c *Client) SetRail(ctx context.Context, rail interlock.Rail, on bool) error {
	var path string
	switch rail {
	case interlock.Rail120:
		path = "/api/pm/set-120V"
	case interlock.Rail480:
		path = "/api/pm/set-480V"
	default:
		return fmt.Errorf("set rail: unknown rail %q", rail)
	}
	value := 0
	if on {
		value = 1
	}
	_, err := c.do(ctx, http.MethodPost, path, map[string]int{"value": value})
	return err
}

func motorPrefix(motor interlock.Motor) (string, error) {
	switch motor {
	case interlock.CutterHead:
		return "/api", nil
	case interlock.WaterPump:
		return "/api/wp", nil
	default:
		return "", fmt.Errorf("unknown motor %q", motor)
	}
}

// StartMotor runs the VFD startup sequence for motor.
func (c *Client) StartMotor(ctx context.Context, motor interlock.Motor) error {
	prefix, err := motorPrefix(motor)
	if err != nil {
		return fmt.Errorf("start motor: %w", err)
	}
	_, err = c.do(ctx, http.MethodGet, prefix+"/startup-sequence", nil)
	return err
}

// StopMotor stops motor.
func (c *Client) StopMotor(ctx context.Context, motor interlock.Motor) error {
	prefix, err := motorPrefix(motor)
	if err != nil {
		return fmt.Errorf("stop motor: %w", err)
	}
	_, err = c.do(ctx, http.MethodGet, prefix+"/stop-motor", nil)
	return err
}

// SetFrequency commands the VFD output frequency. hz is converted to register
// units with the configured scale.
func (c *Client) SetFrequency(ctx context.Context, motor interlock.Motor, hz float64) error {
	prefix, err := motorPrefix(motor)
	if err != nil {
		return fmt.Errorf("set frequency: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, prefix+"/set-frequency", map[string]int{"frequency": c.FrequencyUnits(hz)})
	return err
}

// FrequencyUnits converts hz to the register value sent to the drive.
func (c *Client) FrequencyUnits(hz float64) int {
	return int(math.Round(hz * c.frequencyScale))
}

// ResetEStop asks the control server to clear the hardware E-Stop latch.
func (c *Client) ResetEStop(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, c.resetPath, nil)
	return err
}

// LinkHealthy reports whether the field-bus link behind the control server is
// up. A transport error is returned as an error, not as false.
func (c *Client) LinkHealthy(ctx context.Context) (bool, error) {
	data, err := c.do(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		return false, err
	}
	var body struct {
		Connected *bool  `json:"connected"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false, fmt.Errorf("GET %s: decode: %w", c.healthPath, err)
	}
	if body.Connected != nil {
		return *body.Connected, nil
	}
	return body.Status == "healthy", nil
}

// ReadRegisters reads count holding registers starting at register.
func (c *Client) ReadRegisters(ctx context.Context, unitID, register, count int) ([]int, error) {
	if count < 1 || count > MaxRegisterRange {
		return nil, fmt.Errorf("read registers: range %d outside 1..%d", count, MaxRegisterRange)
	}
	q := url.Values{}
	q.Set("unitId", strconv.Itoa(unitID))
	q.Set("register", strconv.Itoa(register))
	q.Set("range", strconv.Itoa(count))
	data, err := c.do(ctx, http.MethodGet, "/api/modbus/read?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Value  *int  `json:"value"`
		Values []int `json:"values"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("read registers: decode: %w", err)
	}
	if body.Values != nil {
		return body.Values, nil
	}
	if body.Value != nil {
		return []int{*body.Value}, nil
	}
	return nil, fmt.Errorf("read registers: %w", errNoValue)
}

// WriteRegister writes a single holding register.
func (c *Client) WriteRegister(ctx context.Context, unitID, register, value int) error {
	_, err := c.do(ctx, http.MethodPost, "/api/modbus/write", map[string]int{
		"unitId":   unitID,
		"register": register,
		"value":    value,
	})
	return err
}
