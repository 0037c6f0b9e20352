// Pipetting program model
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package executor

import (
	"time"

	"sampler-go/pkg/config"
	"sampler-go/pkg/errors"
	"sampler-go/pkg/kinematics"
)

// RepetitionMode selects how a step's cycle block repeats.
type RepetitionMode string

const (
	// ModeQuantity repeats the cycle block a fixed number of times.
	ModeQuantity RepetitionMode = "quantity"

	// ModeTime fires the cycle block on a wall-clock schedule.
	ModeTime RepetitionMode = "timeFrequency"
)

// Repetition describes a step's repetition schedule.
type Repetition struct {
	Mode RepetitionMode

	// Count is the firing count in quantity mode.
	Count int

	// Interval and Duration drive time mode: firings at start + k*Interval
	// for k in [0, Duration/Interval). Late firings are skipped.
	Interval time.Duration
	Duration time.Duration
}

// Step is one declarative pipetting step.
type Step struct {
	Pickup       kinematics.Well
	Dropoff      *kinematics.Well
	Rinse        *kinematics.Well
	VolumeML     float64
	Wait         time.Duration
	Cycles       int
	PipetteCount int
	Repetition   Repetition
}

// Program is an ordered sequence of steps.
type Program []Step

// MaxVolumeML bounds a single step's sample volume.
const MaxVolumeML = 10.0

// Validate rejects a malformed step before any motion.
func (s *Step) Validate(cfg *config.Snapshot) error {
	if s.VolumeML <= 0 || s.VolumeML > MaxVolumeML {
		return errors.BadVolumeError(s.VolumeML, "must be in (0, 10] mL")
	}
	if s.VolumeML > cfg.PipetteCapacityML {
		return errors.BadVolumeError(s.VolumeML, "exceeds pipette capacity")
	}
	if s.Wait < 0 {
		return errors.BadParamError("wait", "must not be negative")
	}
	if s.Cycles < 1 {
		return errors.BadParamError("cycles", "must be at least 1")
	}
	if s.PipetteCount != 1 && s.PipetteCount != 3 {
		return errors.BadParamError("pipette count", "must be 1 or 3")
	}
	if s.Dropoff == nil && s.Rinse == nil {
		return errors.BadParamError("step", "needs a dropoff or rinse well to empty the pipette")
	}

	wells := []kinematics.Well{s.Pickup}
	if s.Dropoff != nil {
		wells = append(wells, *s.Dropoff)
	}
	if s.Rinse != nil {
		wells = append(wells, *s.Rinse)
	}
	for _, w := range wells {
		if err := w.ValidateTuple(s.PipetteCount); err != nil {
			return err
		}
	}

	switch s.Repetition.Mode {
	case ModeQuantity:
		if s.Repetition.Count < 1 {
			return errors.BadParamError("repetition count", "must be at least 1")
		}
	case ModeTime:
		if s.Repetition.Interval <= 0 {
			return errors.BadParamError("repetition interval", "must be positive")
		}
		if s.Repetition.Duration < s.Repetition.Interval {
			return errors.BadParamError("repetition duration", "must be at least one interval")
		}
	default:
		return errors.BadParamError("repetition mode", "must be quantity or timeFrequency")
	}
	return nil
}

// Validate rejects an empty or malformed program.
func (p Program) Validate(cfg *config.Snapshot) error {
	if len(p) == 0 {
		return errors.BadParamError("program", "no steps")
	}
	for i := range p {
		if err := p[i].Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Firings returns the number of cycle-block firings the schedule yields.
func (r Repetition) Firings() int {
	switch r.Mode {
	case ModeTime:
		return int(r.Duration / r.Interval)
	default:
		return r.Count
	}
}
