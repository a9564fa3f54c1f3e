package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/tphummel/tbm_console/internal/db"
	"github.com/tphummel/tbm_console/internal/models"
)

// newTestDB opens a fresh in-memory SQLite database for each test.
func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// sampleEvent returns a fully-populated Event for use in tests.
func sampleEvent(id, kind string, at time.Time) *models.Event {
	return &models.Event{
		ID:        id,
		Kind:      kind,
		Subject:   "120v",
		Detail:    "on",
		Reason:    "",
		Operator:  "shift-a",
		Warning:   "",
		CreatedAt: at,
	}
}

func ptr(v float64) *float64 { return &v }

func TestNew(t *testing.T) {
	// Verifies schema is created and the DB is usable.
	d := newTestDB(t)
	if err := d.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRecordEvent_ListEvents(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := sampleEvent("ev-1", models.EventEStopTrip, now)
	e.Subject = "estop"
	e.Detail = "tripped"
	e.Reason = "LINK LOST"
	e.Warning = "set-480V: connection refused"
	if err := d.RecordEvent(ctx, e); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	got, err := d.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID != e.ID {
		t.Errorf("ID: got %q, want %q", got[0].ID, e.ID)
	}
	if got[0].Kind != e.Kind {
		t.Errorf("Kind: got %q, want %q", got[0].Kind, e.Kind)
	}
	if got[0].Reason != e.Reason {
		t.Errorf("Reason: got %q, want %q", got[0].Reason, e.Reason)
	}
	if got[0].Operator != e.Operator {
		t.Errorf("Operator: got %q, want %q", got[0].Operator, e.Operator)
	}
	if got[0].Warning != e.Warning {
		t.Errorf("Warning: got %q, want %q", got[0].Warning, e.Warning)
	}
	if !got[0].CreatedAt.Equal(now) {
		t.Errorf("CreatedAt: got %v, want %v", got[0].CreatedAt, now)
	}
}

func TestListEvents_Empty(t *testing.T) {
	d := newTestDB(t)
	events, err := d.ListEvents(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty list, got %d items", len(events))
	}
}

func TestListEvents_NewestFirstAndLimit(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		if err := d.RecordEvent(ctx, sampleEvent(id, models.EventRail, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("RecordEvent %q: %v", id, err)
		}
	}

	got, err := d.ListEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("order: got %q,%q, want c,b", got[0].ID, got[1].ID)
	}
}

func TestListEvents_KindFilter(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	kinds := []struct {
		id   string
		kind string
	}{
		{"id-1", models.EventRail},
		{"id-2", models.EventRail},
		{"id-3", models.EventMotor},
		{"id-4", models.EventEStopTrip},
	}
	for _, k := range kinds {
		if err := d.RecordEvent(ctx, sampleEvent(k.id, k.kind, now)); err != nil {
			t.Fatalf("RecordEvent %q: %v", k.id, err)
		}
	}

	tests := []struct {
		kind string
		want int
	}{
		{models.EventRail, 2},
		{models.EventMotor, 1},
		{models.EventEStopTrip, 1},
		{models.EventEStopReset, 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, err := d.ListEvents(ctx, tt.kind, 0)
			if err != nil {
				t.Fatalf("ListEvents(%q): %v", tt.kind, err)
			}
			if len(got) != tt.want {
				t.Errorf("ListEvents(%q): got %d, want %d", tt.kind, len(got), tt.want)
			}
		})
	}

	counts, err := d.CountEventsByKind()
	if err != nil {
		t.Fatalf("CountEventsByKind: %v", err)
	}
	if counts[models.EventRail] != 2 || counts[models.EventMotor] != 1 {
		t.Errorf("CountEventsByKind: got %v", counts)
	}
}

func TestRecordEvent_DuplicateID(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	e := sampleEvent("dup-1", models.EventRail, time.Now())
	if err := d.RecordEvent(ctx, e); err != nil {
		t.Fatalf("first RecordEvent: %v", err)
	}
	if err := d.RecordEvent(ctx, e); err == nil {
		t.Error("expected error on duplicate ID, got nil")
	}
}

func TestRecordReadings_ListReadings(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	batch := []models.Reading{
		{Sensor: "motor_temp", Value: ptr(72.5), Unit: "°C", Severity: "warning", ReadAt: base},
		{Sensor: "earth_pressure", Value: nil, Unit: "bar", Severity: "error", ReadAt: base},
		{Sensor: "motor_temp", Value: ptr(60), Unit: "°C", Severity: "normal", ReadAt: base.Add(time.Second)},
	}
	if err := d.RecordReadings(ctx, batch); err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}

	all, err := d.ListReadings(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(all))
	}

	temps, err := d.ListReadings(ctx, "motor_temp", 0)
	if err != nil {
		t.Fatalf("ListReadings(motor_temp): %v", err)
	}
	if len(temps) != 2 {
		t.Fatalf("expected 2 motor_temp readings, got %d", len(temps))
	}
	if temps[0].Value == nil || *temps[0].Value != 60 {
		t.Errorf("newest motor_temp: got %v, want 60", temps[0].Value)
	}

	earth, err := d.ListReadings(ctx, "earth_pressure", 1)
	if err != nil {
		t.Fatalf("ListReadings(earth_pressure): %v", err)
	}
	if len(earth) != 1 {
		t.Fatalf("expected 1 earth_pressure reading, got %d", len(earth))
	}
	if earth[0].Value != nil {
		t.Errorf("failed read should store NULL, got %v", *earth[0].Value)
	}
	if earth[0].Severity != "error" {
		t.Errorf("Severity: got %q, want error", earth[0].Severity)
	}
}

func TestRecordReadings_EmptyBatch(t *testing.T) {
	d := newTestDB(t)
	if err := d.RecordReadings(context.Background(), nil); err != nil {
		t.Errorf("RecordReadings(nil): %v", err)
	}
}

func TestListEvents_SubSecondOrdering(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	second := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Recorded out of order so rowid cannot decide.
	for _, e := range []*models.Event{
		sampleEvent("half", models.EventRail, second.Add(500*time.Millisecond)),
		sampleEvent("whole", models.EventRail, second),
		sampleEvent("latest", models.EventRail, second.Add(500010*time.Microsecond)),
	} {
		if err := d.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent(%s): %v", e.ID, err)
		}
	}

	events, err := d.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var got []string
	for _, e := range events {
		got = append(got, e.ID)
	}
	want := []string{"latest", "half", "whole"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
	if !events[0].CreatedAt.Equal(second.Add(500010 * time.Microsecond)) {
		t.Errorf("CreatedAt round trip: got %v", events[0].CreatedAt)
	}
}

func TestListReadings_SubSecondOrdering(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	second := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []models.Reading{
		{Sensor: "motor_temp", Value: ptr(2), Unit: "°C", Severity: "normal", ReadAt: second.Add(250 * time.Millisecond)},
		{Sensor: "motor_temp", Value: ptr(1), Unit: "°C", Severity: "normal", ReadAt: second},
	}
	if err := d.RecordReadings(ctx, batch); err != nil {
		t.Fatalf("RecordReadings: %v", err)
	}

	got, err := d.ListReadings(ctx, "motor_temp", 0)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	if len(got) != 2 || got[0].Value == nil || *got[0].Value != 2 {
		t.Fatalf("newest reading should be the .25s one, got %+v", got)
	}
}
