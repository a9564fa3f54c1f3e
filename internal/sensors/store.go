package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tphummel/tbm_console/internal/gateway"
	"github.com/tphummel/tbm_console/internal/models"
)

// Reading is the latest observation of one sensor. A nil Value means the read
// failed; it is shown as "N/A".
type Reading struct {
	Name     string    `json:"name"`
	Board    string    `json:"board"`
	Value    *float64  `json:"-"`
	Unit     string    `json:"unit"`
	Severity Severity  `json:"severity"`
	ReadAt   time.Time `json:"read_at"`
}

// MarshalJSON renders a failed read as "N/A".
func (r Reading) MarshalJSON() ([]byte, error) {
	type plain Reading
	var value any = "N/A"
	if r.Value != nil {
		value = *r.Value
	}
	return json.Marshal(struct {
		plain
		Value any `json:"value"`
	}{plain(r), value})
}

// Reader reads a single sensor value from the gateway.
type Reader interface {
	ReadSensor(ctx context.Context, path string) (float64, error)
}

// Sink receives readings for the data log.
type Sink interface {
	RecordReadings(ctx context.Context, readings []models.Reading) error
}

// Store holds the latest reading of every sensor it has seen.
type Store struct {
	mu       sync.RWMutex
	readings map[string]Reading
}

func NewStore() *Store {
	return &Store{readings: make(map[string]Reading)}
}

// Update replaces the stored readings for the sensors in rs.
func (s *Store) Update(rs []Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		s.readings[r.Name] = r
	}
}

// Snapshot returns the stored readings in catalog order.
func (s *Store) Snapshot() []Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Reading, 0, len(s.readings))
	for _, sensor := range Catalog {
		if r, ok := s.readings[sensor.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Read fetches every sensor concurrently. A failed read becomes an "N/A"
// reading with severity error; the returned count says how many failed.
func Read(ctx context.Context, r Reader, list []Sensor, now time.Time) ([]Reading, int) {
	out := make([]Reading, len(list))
	errs := make([]error, len(list))

	var wg sync.WaitGroup
	for i, s := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reading := Reading{Name: s.Name, Board: s.Board, Unit: s.Unit, ReadAt: now}
			v, err := r.ReadSensor(ctx, s.Path)
			if err != nil {
				reading.Severity = Error
				errs[i] = err
			} else {
				reading.Value = &v
				reading.Severity = Classify(s.Kind, v)
			}
			out[i] = reading
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return out, failed
}

// Poller refreshes one group of sensors into a Store.
type Poller struct {
	Reader  Reader
	Store   *Store
	Sensors []Sensor
	// Sink is optional. When set every refresh is appended to the data log.
	Sink   Sink
	Logger *slog.Logger
}

// Refresh reads all sensors once. Individual read failures are kept in the
// store as "N/A" and summarised in the returned error.
func (p *Poller) Refresh(ctx context.Context) error {
	readings, failed := Read(ctx, p.Reader, p.Sensors, time.Now().UTC())
	if ctx.Err() != nil {
		// Shutting down; a half-cancelled sweep is not worth showing.
		return nil
	}
	p.Store.Update(readings)

	if p.Sink != nil {
		rows := make([]models.Reading, len(readings))
		for i, r := range readings {
			rows[i] = models.Reading{Sensor: r.Name, Value: r.Value, Unit: r.Unit, Severity: string(r.Severity), ReadAt: r.ReadAt}
		}
		if err := p.Sink.RecordReadings(ctx, rows); err != nil && p.Logger != nil {
			p.Logger.Error("failed to log sensor readings", "error", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sensor reads failed", failed, len(readings))
	}
	return nil
}

// RegisterReader reads blocks of holding registers.
type RegisterReader interface {
	ReadRegisters(ctx context.Context, unitID, register, count int) ([]int, error)
}

// RegisterSnapshot is the last poll of one configured register block.
type RegisterSnapshot struct {
	gateway.RegisterBlock
	Values []int     `json:"values"`
	ReadAt time.Time `json:"read_at"`
	Error  string    `json:"error,omitempty"`
}

// RegisterStore polls the critical register blocks for display.
type RegisterStore struct {
	reader RegisterReader
	blocks []gateway.RegisterBlock

	mu    sync.RWMutex
	snaps []RegisterSnapshot
}

func NewRegisterStore(r RegisterReader, blocks []gateway.RegisterBlock) *RegisterStore {
	return &RegisterStore{reader: r, blocks: blocks}
}

// Refresh reads every block in order. A failing block keeps its previous
// values and records the error.
func (s *RegisterStore) Refresh(ctx context.Context) error {
	s.mu.RLock()
	prev := make(map[gateway.RegisterBlock]RegisterSnapshot, len(s.snaps))
	for _, snap := range s.snaps {
		prev[snap.RegisterBlock] = snap
	}
	s.mu.RUnlock()

	snaps := make([]RegisterSnapshot, 0, len(s.blocks))
	failed := 0
	for _, b := range s.blocks {
		values, err := s.reader.ReadRegisters(ctx, b.UnitID, b.Register, b.Range)
		if ctx.Err() != nil {
			return nil
		}
		snap := RegisterSnapshot{RegisterBlock: b, Values: values, ReadAt: time.Now().UTC()}
		if err != nil {
			failed++
			old := prev[b]
			snap.Values, snap.ReadAt = old.Values, old.ReadAt
			snap.Error = err.Error()
		}
		snaps = append(snaps, snap)
	}

	s.mu.Lock()
	s.snaps = snaps
	s.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("%d of %d register blocks failed", failed, len(s.blocks))
	}
	return nil
}

// Snapshot returns the most recent poll of every block.
func (s *RegisterStore) Snapshot() []RegisterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RegisterSnapshot(nil), s.snaps...)
}
