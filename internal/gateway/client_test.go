package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tphummel/tbm_console/internal/gateway"
	"github.com/tphummel/tbm_console/internal/interlock"
)

// newTestServer starts an httptest.Server that plays the control server.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *gateway.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, gateway.NewClient(srv.URL, gateway.Options{})
}

func decodeBody(t *testing.T, r *http.Request) map[string]int {
	t.Helper()
	var body map[string]int
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("decode request body: %v", err)
	}
	return body
}

// --- ReadSensor ---

func TestClient_ReadSensor_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"bare number", `42.5`, 42.5},
		{"value object", `{"value": 3.2}`, 3.2},
		{"named object", `{"V1N": {"value": 480}}`, 480},
		{"named number", `{"temperature": 71}`, 71},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/bg/motor-temp" {
					t.Errorf("path: got %q, want /api/bg/motor-temp", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			})
			got, err := client.ReadSensor(context.Background(), "bg/motor-temp")
			if err != nil {
				t.Fatalf("ReadSensor: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_ReadSensor_NoValue(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"a": 1, "b": 2}`))
	})
	if _, err := client.ReadSensor(context.Background(), "ag/oil-temp"); err == nil {
		t.Fatal("expected error for ambiguous body, got nil")
	}
}

func TestClient_ReadSensor_ServerError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error","message":"modbus timeout"}`))
	})

	_, err := client.ReadSensor(context.Background(), "ag/oil-temp")
	var serr *gateway.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.Code != http.StatusInternalServerError {
		t.Errorf("code: got %d, want 500", serr.Code)
	}
	if serr.Message != "modbus timeout" {
		t.Errorf("message: got %q", serr.Message)
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	client := gateway.NewClient(srv.URL, gateway.Options{Timeout: 20 * time.Millisecond})

	if _, err := client.ReadSensor(context.Background(), "bg/flame"); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

// --- Commands ---

func TestClient_SetRail(t *testing.T) {
	tests := []struct {
		rail     interlock.Rail
		on       bool
		wantPath string
		want     int
	}{
		{interlock.Rail120, true, "/api/pm/set-120V", 1},
		{interlock.Rail120, false, "/api/pm/set-120V", 0},
		{interlock.Rail480, true, "/api/pm/set-480V", 1},
	}
	for _, tt := range tests {
		_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method: got %q, want POST", r.Method)
			}
			if r.URL.Path != tt.wantPath {
				t.Errorf("path: got %q, want %q", r.URL.Path, tt.wantPath)
			}
			if got := decodeBody(t, r)["value"]; got != tt.want {
				t.Errorf("value: got %d, want %d", got, tt.want)
			}
		})
		if err := client.SetRail(context.Background(), tt.rail, tt.on); err != nil {
			t.Fatalf("SetRail: %v", err)
		}
	}
}

func TestClient_MotorPaths(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
	})
	ctx := context.Background()

	if err := client.StartMotor(ctx, interlock.CutterHead); err != nil {
		t.Fatal(err)
	}
	if err := client.StopMotor(ctx, interlock.CutterHead); err != nil {
		t.Fatal(err)
	}
	if err := client.StartMotor(ctx, interlock.WaterPump); err != nil {
		t.Fatal(err)
	}
	if err := client.StopMotor(ctx, interlock.WaterPump); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"GET /api/startup-sequence",
		"GET /api/stop-motor",
		"GET /api/wp/startup-sequence",
		"GET /api/wp/stop-motor",
	}
	if len(paths) != len(want) {
		t.Fatalf("got %d requests, want %d: %v", len(paths), len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("request %d: got %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestClient_SetFrequency_Scaled(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/wp/set-frequency" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := decodeBody(t, r)["frequency"]; got != 10000 {
			t.Errorf("frequency: got %d, want 10000", got)
		}
	})
	if err := client.SetFrequency(context.Background(), interlock.WaterPump, 30); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}
}

func TestClient_FrequencyUnits(t *testing.T) {
	c := gateway.NewClient("http://unused", gateway.Options{})
	tests := []struct {
		hz   float64
		want int
	}{
		{0, 0},
		{60, 20000},
		{30, 10000},
		{1, 333},
	}
	for _, tt := range tests {
		if got := c.FrequencyUnits(tt.hz); got != tt.want {
			t.Errorf("FrequencyUnits(%v): got %d, want %d", tt.hz, got, tt.want)
		}
	}

	custom := gateway.NewClient("http://unused", gateway.Options{FrequencyScale: 100})
	if got := custom.FrequencyUnits(50); got != 5000 {
		t.Errorf("custom scale: got %d, want 5000", got)
	}
}

func TestClient_ResetEStop(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/estop/reset" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"latch held","details":"guard open"}`))
	})

	err := client.ResetEStop(context.Background())
	var serr *gateway.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.Message != "latch held: guard open" {
		t.Errorf("message: got %q", serr.Message)
	}
}

// --- LinkHealthy ---

func TestClient_LinkHealthy(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"connected", `{"connected": true}`, true},
		{"disconnected", `{"connected": false}`, false},
		{"status healthy", `{"status": "healthy"}`, true},
		{"status other", `{"status": "degraded"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/rs485" {
					t.Errorf("path: got %q, want /rs485", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			})
			got, err := client.LinkHealthy(context.Background())
			if err != nil {
				t.Fatalf("LinkHealthy: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_LinkHealthy_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := gateway.NewClient(url, gateway.Options{})
	if _, err := client.LinkHealthy(context.Background()); err == nil {
		t.Fatal("expected transport error, got nil")
	}
}

// --- Registers ---

func TestClient_ReadRegisters(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/modbus/read" || q.Get("unitId") != "1" || q.Get("register") != "1000" || q.Get("range") != "3" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Write([]byte(`{"values":[1,2,3]}`))
	})

	got, err := client.ReadRegisters(context.Background(), 1, 1000, 3)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestClient_ReadRegisters_RangeLimit(t *testing.T) {
	c := gateway.NewClient("http://unused", gateway.Options{})
	for _, n := range []int{0, gateway.MaxRegisterRange + 1} {
		if _, err := c.ReadRegisters(context.Background(), 1, 0, n); err == nil {
			t.Errorf("range %d: expected error", n)
		}
	}
}

func TestClient_WriteRegister(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["unitId"] != 5 || body["register"] != 9 || body["value"] != 31 {
			t.Errorf("body: got %v", body)
		}
	})
	if err := client.WriteRegister(context.Background(), 5, 9, 31); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
}
