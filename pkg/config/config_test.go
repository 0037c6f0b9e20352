package config

import (
	"path/filepath"
	"strings"
	"testing"

	"sampler-go/pkg/errors"
)

func TestDefaults(t *testing.T) {
	s := Default()
	if s.WellSpacingMM != 4.0 || s.StepsPerMMX != 100 || s.PipetteStepsPerML != 1000 {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.TravelDelayUS() != 1000 || s.PipetteDelayUS() != 2000 {
		t.Errorf("unexpected delay conversion: %d %d", s.TravelDelayUS(), s.PipetteDelayUS())
	}
}

func TestFromMapOverrides(t *testing.T) {
	s, err := FromMap(map[string]string{
		"WELL_SPACING":   "9.0",
		"STEPS_PER_MM_X": "200",
		"RINSE_CYCLES":   "0",
	})
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}
	if s.WellSpacingMM != 9.0 || s.StepsPerMMX != 200 || s.RinseCycles != 0 {
		t.Errorf("overrides not applied: %+v", s)
	}
	// Untouched keys keep defaults
	if s.StepsPerMMY != 100 {
		t.Errorf("expected default STEPS_PER_MM_Y, got %d", s.StepsPerMMY)
	}
}

func TestFromMapRejectsNonPositive(t *testing.T) {
	if _, err := FromMap(map[string]string{"WELL_SPACING": "0"}); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("expected validation error for zero spacing, got %v", err)
	}
	if _, err := FromMap(map[string]string{"STEPS_PER_MM_Z": "-5"}); !errors.Is(err, errors.ErrConfigValidation) {
		t.Errorf("expected validation error for negative steps, got %v", err)
	}
}

func TestFromMapRejectsUnknownKey(t *testing.T) {
	if _, err := FromMap(map[string]string{"BOGUS": "1"}); !errors.Is(err, errors.ErrConfigKey) {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestFromMapReportsAllFailures(t *testing.T) {
	_, err := FromMap(map[string]string{
		"WELL_SPACING": "nope",
		"BOGUS":        "1",
	})
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "WELL_SPACING") || !strings.Contains(msg, "BOGUS") {
		t.Errorf("expected both failures reported, got %q", msg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Default()
	s.WellSpacingMM = 5.5
	s.HomeMaxSteps = 20000
	s.RinseCycles = 2

	path := filepath.Join(t.TempDir(), "sampler.conf")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *s {
		t.Errorf("round trip mismatch:\n save %+v\n load %+v", s, loaded)
	}
}

func TestRegistrySwapIsolation(t *testing.T) {
	reg := NewRegistry(Default())
	before := reg.Current()

	if _, err := reg.Replace(map[string]string{"TRAVEL_SPEED": "0.005"}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	// The old pointer is unchanged; the registry serves the new one.
	if before.TravelStepPeriod != 0.001 {
		t.Errorf("old snapshot mutated: %v", before.TravelStepPeriod)
	}
	if reg.Current().TravelStepPeriod != 0.005 {
		t.Errorf("new snapshot not served: %v", reg.Current().TravelStepPeriod)
	}
}

func TestRegistryReplaceRejectsInvalid(t *testing.T) {
	reg := NewRegistry(Default())
	if _, err := reg.Replace(map[string]string{"SAFE_HEIGHT": "-1"}); err == nil {
		t.Fatal("expected validation error")
	}
	if reg.Current().SafeHeightMM != 20.0 {
		t.Errorf("failed replace must not touch the live snapshot")
	}
}
