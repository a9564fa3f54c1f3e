package models_test

import (
	"context"
	"testing"

	"github.com/tphummel/tbm_console/internal/models"
)

func TestValidEventKinds_ContainsExpectedValues(t *testing.T) {
	expected := []string{
		"rail", "motor", "frequency", "estop_trip", "estop_reset", "estop_reset_failed",
		"hpu", "jacking_frame", "link", "register_write", "confirmation",
	}

	if len(models.ValidEventKinds) != len(expected) {
		t.Errorf("ValidEventKinds: got %d entries, want %d", len(models.ValidEventKinds), len(expected))
	}
	for _, k := range expected {
		if !models.ValidEventKinds[k] {
			t.Errorf("ValidEventKinds: missing expected kind %q", k)
		}
	}
}

func TestValidEventKinds_IsCaseSensitive(t *testing.T) {
	for _, k := range []string{"RAIL", "EStop_Trip", "", "reset"} {
		if models.ValidEventKinds[k] {
			t.Errorf("ValidEventKinds: should not contain %q", k)
		}
	}
}

func TestOperatorFrom(t *testing.T) {
	if got := models.OperatorFrom(context.Background()); got != "system" {
		t.Errorf("default operator: got %q, want system", got)
	}
	ctx := models.WithOperator(context.Background(), "shift-a")
	if got := models.OperatorFrom(ctx); got != "shift-a" {
		t.Errorf("operator: got %q, want shift-a", got)
	}
	// An empty name falls back to the system operator.
	ctx = models.WithOperator(context.Background(), "")
	if got := models.OperatorFrom(ctx); got != "system" {
		t.Errorf("empty operator: got %q, want system", got)
	}
}
