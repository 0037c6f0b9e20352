// Package config holds the numeric hardware parameters of the sampler.
//
// The on-disk format is a flat KEY=value file with '#' comments, written
// by the external web collaborator and re-read between jobs. Values are
// validated on every load; running jobs keep the snapshot they started
// with.
package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"sampler-go/pkg/errors"
)

// Snapshot is one immutable set of hardware parameters. Components take a
// Snapshot at job start and never observe mid-job changes.
type Snapshot struct {
	// Plate geometry
	WellSpacingMM  float64
	WellDiameterMM float64
	WellHeightMM   float64

	// Steps per millimeter of axis travel
	StepsPerMMX int
	StepsPerMMY int
	StepsPerMMZ int

	// Pipette plunger calibration
	PipetteStepsPerML int
	PipetteCapacityML float64

	// Pipetting depths and the Z-up travel height, in millimeters
	PickupDepthMM  float64
	DropoffDepthMM float64
	SafeHeightMM   float64

	RinseCycles int

	// Seconds between step pulses
	TravelStepPeriod  float64
	PipetteStepPeriod float64

	// Homing parameters (wire direction encoding: 1 = clockwise)
	HomeDirection int
	HomeDelayUS   int
	HomeMaxSteps  int

	// MCU request timeout in milliseconds
	MCUTimeoutMS int
}

// Default returns the factory calibration.
func Default() *Snapshot {
	return &Snapshot{
		WellSpacingMM:     4.0,
		WellDiameterMM:    8.0,
		WellHeightMM:      14.0,
		StepsPerMMX:       100,
		StepsPerMMY:       100,
		StepsPerMMZ:       100,
		PipetteStepsPerML: 1000,
		PipetteCapacityML: 10.0,
		PickupDepthMM:     10.0,
		DropoffDepthMM:    5.0,
		SafeHeightMM:      20.0,
		RinseCycles:       3,
		TravelStepPeriod:  0.001,
		PipetteStepPeriod: 0.002,
		HomeDirection:     0,
		HomeDelayUS:       2000,
		HomeMaxSteps:      10000,
		MCUTimeoutMS:      10000,
	}
}

// TravelDelayUS returns the X/Y/Z step delay in microseconds.
func (s *Snapshot) TravelDelayUS() int {
	return int(s.TravelStepPeriod * 1e6)
}

// PipetteDelayUS returns the pipette axis step delay in microseconds.
func (s *Snapshot) PipetteDelayUS() int {
	return int(s.PipetteStepPeriod * 1e6)
}

// Keys lists the recognized config keys in file order.
var Keys = []string{
	"WELL_SPACING",
	"WELL_DIAMETER",
	"WELL_HEIGHT",
	"STEPS_PER_MM_X",
	"STEPS_PER_MM_Y",
	"STEPS_PER_MM_Z",
	"PIPETTE_STEPS_PER_ML",
	"PIPETTE_CAPACITY_ML",
	"PICKUP_DEPTH",
	"DROPOFF_DEPTH",
	"SAFE_HEIGHT",
	"RINSE_CYCLES",
	"TRAVEL_SPEED",
	"PIPETTE_SPEED",
	"HOME_DIRECTION",
	"HOME_DELAY_US",
	"HOME_MAX_STEPS",
	"MCU_TIMEOUT_MS",
}

// ToMap renders the snapshot as the key=value set the API exposes.
func (s *Snapshot) ToMap() map[string]string {
	return map[string]string{
		"WELL_SPACING":         formatFloat(s.WellSpacingMM),
		"WELL_DIAMETER":        formatFloat(s.WellDiameterMM),
		"WELL_HEIGHT":          formatFloat(s.WellHeightMM),
		"STEPS_PER_MM_X":       strconv.Itoa(s.StepsPerMMX),
		"STEPS_PER_MM_Y":       strconv.Itoa(s.StepsPerMMY),
		"STEPS_PER_MM_Z":       strconv.Itoa(s.StepsPerMMZ),
		"PIPETTE_STEPS_PER_ML": strconv.Itoa(s.PipetteStepsPerML),
		"PIPETTE_CAPACITY_ML":  formatFloat(s.PipetteCapacityML),
		"PICKUP_DEPTH":         formatFloat(s.PickupDepthMM),
		"DROPOFF_DEPTH":        formatFloat(s.DropoffDepthMM),
		"SAFE_HEIGHT":          formatFloat(s.SafeHeightMM),
		"RINSE_CYCLES":         strconv.Itoa(s.RinseCycles),
		"TRAVEL_SPEED":         formatFloat(s.TravelStepPeriod),
		"PIPETTE_SPEED":        formatFloat(s.PipetteStepPeriod),
		"HOME_DIRECTION":       strconv.Itoa(s.HomeDirection),
		"HOME_DELAY_US":        strconv.Itoa(s.HomeDelayUS),
		"HOME_MAX_STEPS":       strconv.Itoa(s.HomeMaxSteps),
		"MCU_TIMEOUT_MS":       strconv.Itoa(s.MCUTimeoutMS),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// apply sets one key on the snapshot, validating type and range.
func (s *Snapshot) apply(key, value string) error {
	positive := func(f float64) error {
		if f <= 0 {
			return errors.ConfigValidationError(key, "must be strictly positive")
		}
		return nil
	}

	switch key {
	case "WELL_SPACING", "WELL_DIAMETER", "WELL_HEIGHT", "PIPETTE_CAPACITY_ML",
		"PICKUP_DEPTH", "DROPOFF_DEPTH", "SAFE_HEIGHT", "TRAVEL_SPEED", "PIPETTE_SPEED":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.ConfigValidationError(key, fmt.Sprintf("not a number: %q", value))
		}
		if err := positive(f); err != nil {
			return err
		}
		switch key {
		case "WELL_SPACING":
			s.WellSpacingMM = f
		case "WELL_DIAMETER":
			s.WellDiameterMM = f
		case "WELL_HEIGHT":
			s.WellHeightMM = f
		case "PIPETTE_CAPACITY_ML":
			s.PipetteCapacityML = f
		case "PICKUP_DEPTH":
			s.PickupDepthMM = f
		case "DROPOFF_DEPTH":
			s.DropoffDepthMM = f
		case "SAFE_HEIGHT":
			s.SafeHeightMM = f
		case "TRAVEL_SPEED":
			s.TravelStepPeriod = f
		case "PIPETTE_SPEED":
			s.PipetteStepPeriod = f
		}
		return nil

	case "STEPS_PER_MM_X", "STEPS_PER_MM_Y", "STEPS_PER_MM_Z", "PIPETTE_STEPS_PER_ML",
		"HOME_DELAY_US", "HOME_MAX_STEPS", "MCU_TIMEOUT_MS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.ConfigValidationError(key, fmt.Sprintf("not an integer: %q", value))
		}
		if n <= 0 {
			return errors.ConfigValidationError(key, "must be strictly positive")
		}
		switch key {
		case "STEPS_PER_MM_X":
			s.StepsPerMMX = n
		case "STEPS_PER_MM_Y":
			s.StepsPerMMY = n
		case "STEPS_PER_MM_Z":
			s.StepsPerMMZ = n
		case "PIPETTE_STEPS_PER_ML":
			s.PipetteStepsPerML = n
		case "HOME_DELAY_US":
			s.HomeDelayUS = n
		case "HOME_MAX_STEPS":
			s.HomeMaxSteps = n
		case "MCU_TIMEOUT_MS":
			s.MCUTimeoutMS = n
		}
		return nil

	case "RINSE_CYCLES":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.ConfigValidationError(key, fmt.Sprintf("not an integer: %q", value))
		}
		if n < 0 {
			return errors.ConfigValidationError(key, "must be zero or positive")
		}
		s.RinseCycles = n
		return nil

	case "HOME_DIRECTION":
		n, err := strconv.Atoi(value)
		if err != nil || (n != 0 && n != 1) {
			return errors.ConfigValidationError(key, "must be 0 (CCW) or 1 (CW)")
		}
		s.HomeDirection = n
		return nil

	default:
		return errors.ConfigKeyError(key)
	}
}

// FromMap builds a snapshot from a full or partial key set over defaults.
// All values are validated; every failing key is reported.
func FromMap(values map[string]string) (*Snapshot, error) {
	s := Default()
	var errs error
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.apply(k, values[k]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return s, nil
}

// Load reads a key=value config file over defaults.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("config: malformed line %d in %s: %q", lineNum, path, line)
		}
		values[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	return FromMap(values)
}

// Save writes the snapshot back as a key=value file under a header
// comment, with the keys in Keys order.
func (s *Snapshot) Save(path string) error {
	m := s.ToMap()
	var sb strings.Builder
	sb.WriteString("# Sampler hardware configuration\n")
	for _, k := range Keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, m[k])
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}
