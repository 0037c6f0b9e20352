// Program execution: cycles, repetition scheduling, homing, and the
// single-primitive entry points.
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package executor

import (
	"context"
	"time"

	"sampler-go/pkg/errors"
	"sampler-go/pkg/kinematics"
	"sampler-go/pkg/mcu"
	"sampler-go/pkg/protocol"
	"sampler-go/pkg/state"
)

// RunProgram executes a validated program step by step. The first
// error aborts the remainder; the caller owns stop_all and state
// transitions.
func (e *Executor) RunProgram(ctx context.Context, prog Program) error {
	e.ring.Appendf("Executing pipetting sequence (%d steps)", len(prog))
	for i := range prog {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		e.ring.Appendf("--- Step %d/%d ---", i+1, len(prog))
		if err := e.runStep(ctx, &prog[i]); err != nil {
			return err
		}
	}
	e.ring.Append("Sequence complete")
	return nil
}

// runStep fires a step's cycle block per its repetition schedule.
func (e *Executor) runStep(ctx context.Context, step *Step) error {
	e.tracker.SetPipetteCount(step.PipetteCount)
	e.ring.Appendf("Pipette configuration: %d pipette(s)", step.PipetteCount)

	switch step.Repetition.Mode {
	case ModeTime:
		return e.runTimed(ctx, step)
	default:
		total := step.Repetition.Count
		for rep := 0; rep < total; rep++ {
			if total > 1 {
				e.ring.Appendf("Repetition %d/%d", rep+1, total)
			}
			if err := e.runCycles(ctx, step); err != nil {
				return err
			}
		}
		return nil
	}
}

// runTimed fires the cycle block at start + k*interval. A firing whose
// whole window has already passed is skipped, never queued behind its
// successor.
func (e *Executor) runTimed(ctx context.Context, step *Step) error {
	interval := step.Repetition.Interval
	total := step.Repetition.Firings()
	e.ring.Appendf("Repetition: every %s for %s (%d times)", interval, step.Repetition.Duration, total)

	start := time.Now()
	for k := 0; k < total; k++ {
		target := start.Add(time.Duration(k) * interval)
		now := time.Now()
		if now.Before(target) {
			e.observe(state.OpWaiting, "")
			if err := e.sleepUntil(ctx, target); err != nil {
				return err
			}
		} else if now.Sub(start) >= time.Duration(k+1)*interval {
			e.ring.Appendf("Skipping late firing %d/%d", k+1, total)
			continue
		}
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		e.ring.Appendf("Repetition %d/%d", k+1, total)
		if err := e.runCycles(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// runCycles performs the pickup/dropoff/rinse traversals back to back,
// then the step's wait.
func (e *Executor) runCycles(ctx context.Context, step *Step) error {
	for c := 0; c < step.Cycles; c++ {
		if step.Cycles > 1 {
			e.ring.Appendf("Cycle %d/%d", c+1, step.Cycles)
		}
		if err := e.transfer(ctx, step); err != nil {
			return err
		}
	}
	return e.wait(ctx, step.Wait)
}

// transfer is one pickup -> dropoff -> rinse traversal.
func (e *Executor) transfer(ctx context.Context, step *Step) error {
	volSteps := e.mapper.VolumeToSteps(step.VolumeML)
	if step.Dropoff != nil {
		e.ring.Appendf("Transfer: %s -> %s (%g mL)", step.Pickup, *step.Dropoff, step.VolumeML)
	} else {
		e.ring.Appendf("Pickup: %s (%g mL)", step.Pickup, step.VolumeML)
	}

	// Pickup
	if err := e.ensureZUp(ctx); err != nil {
		return err
	}
	if err := e.travelToWell(ctx, step.Pickup); err != nil {
		return err
	}
	if err := e.zDown(ctx, e.cfg.PickupDepthMM); err != nil {
		return err
	}
	e.observe(state.OpAspirating, step.Pickup.String())
	e.ring.Appendf("Aspirating %g mL", step.VolumeML)
	if err := e.aspirateSteps(ctx, volSteps); err != nil {
		return err
	}
	if err := e.zUp(ctx); err != nil {
		return err
	}

	// Dropoff
	if step.Dropoff != nil {
		if err := e.travelToWell(ctx, *step.Dropoff); err != nil {
			return err
		}
		if err := e.zDown(ctx, e.cfg.DropoffDepthMM); err != nil {
			return err
		}
		e.observe(state.OpDispensing, step.Dropoff.String())
		e.ring.Appendf("Dispensing %g mL", step.VolumeML)
		if err := e.dispenseSteps(ctx, volSteps); err != nil {
			return err
		}
		if err := e.zUp(ctx); err != nil {
			return err
		}
	}

	// Rinse
	if step.Rinse != nil {
		if err := e.travelToWell(ctx, *step.Rinse); err != nil {
			return err
		}
		if err := e.rinse(ctx, *step.Rinse); err != nil {
			return err
		}
	}
	return nil
}

// rinse cleans the tip: repeated dispense/aspirate of the carried
// volume, then a final dispense so the pipette leaves empty. The tip
// must already be over the rinse well with Z up.
func (e *Executor) rinse(ctx context.Context, well kinematics.Well) error {
	e.observe(state.OpRinsing, well.String())
	e.ring.Appendf("Rinsing in well %s (%d cycles)", well, e.cfg.RinseCycles)

	for i := 0; i < e.cfg.RinseCycles; i++ {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		carried := e.loadedSteps()
		if err := e.zDown(ctx, e.cfg.DropoffDepthMM); err != nil {
			return err
		}
		if carried > 0 {
			if err := e.dispenseSteps(ctx, carried); err != nil {
				return err
			}
			if err := e.aspirateSteps(ctx, carried); err != nil {
				return err
			}
		}
		if err := e.zUp(ctx); err != nil {
			return err
		}
	}

	// Leave empty regardless of how many cycles ran.
	if carried := e.loadedSteps(); carried > 0 {
		if err := e.zDown(ctx, e.cfg.DropoffDepthMM); err != nil {
			return err
		}
		if err := e.dispenseSteps(ctx, carried); err != nil {
			return err
		}
	}
	return e.zUp(ctx)
}

// HomeAll homes every axis in order X, Y, Z, pipette, then zeroes the
// tracker. The pipette homes toward plunger-empty.
func (e *Executor) HomeAll(ctx context.Context) error {
	e.observe(state.OpHoming, "")
	e.ring.Append("Homing all axes")

	order := []int{mcu.MotorX, mcu.MotorY, mcu.MotorZ, mcu.MotorPipette}
	for _, motorID := range order {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}
		var reply protocol.HomeReply
		err := e.retryTimeout(func() error {
			var homeErr error
			reply, homeErr = e.cmd.Home(motorID, e.homeDirection(motorID), e.cfg.HomeDelayUS, e.cfg.HomeMaxSteps)
			return homeErr
		})
		if err != nil {
			return err
		}
		if !reply.Homed {
			return errors.HomingFailedError(motorID, e.cfg.HomeMaxSteps)
		}
		e.tracker.SetAxisZero(motorID)
		e.ring.Appendf("Motor %d homed after %d steps", motorID, reply.StepsToHome)
	}

	e.tracker.MarkHomed()
	e.ring.Append("Home position reached (A1)")
	return nil
}

// MoveToWell is the single-primitive relocation entry point.
func (e *Executor) MoveToWell(ctx context.Context, well kinematics.Well) error {
	if err := e.ensureZUp(ctx); err != nil {
		return err
	}
	if err := e.travelToWell(ctx, well); err != nil {
		return err
	}
	e.ring.Appendf("Arrived at %s", well)
	return nil
}

// Aspirate is the single-primitive aspirate entry point.
func (e *Executor) Aspirate(ctx context.Context, volumeML float64) error {
	if volumeML <= 0 {
		return errors.BadVolumeError(volumeML, "must be positive")
	}
	well := ""
	if snap := e.tracker.Snapshot(); snap.HasWell {
		well = snap.Well.String()
	}
	e.observe(state.OpAspirating, well)
	e.ring.Appendf("Aspirating %g mL", volumeML)
	return e.aspirateSteps(ctx, e.mapper.VolumeToSteps(volumeML))
}

// Dispense is the single-primitive dispense entry point.
func (e *Executor) Dispense(ctx context.Context, volumeML float64) error {
	if volumeML <= 0 {
		return errors.BadVolumeError(volumeML, "must be positive")
	}
	well := ""
	if snap := e.tracker.Snapshot(); snap.HasWell {
		well = snap.Well.String()
	}
	e.observe(state.OpDispensing, well)
	e.ring.Appendf("Dispensing %g mL", volumeML)
	return e.dispenseSteps(ctx, e.mapper.VolumeToSteps(volumeML))
}

// ToggleZ raises the tip to the safe height or lowers it to the pickup
// depth over the current position.
func (e *Executor) ToggleZ(ctx context.Context, z state.ZState) error {
	switch z {
	case state.ZUp:
		e.ring.Append("Raising Z to safe height")
		return e.zUp(ctx)
	case state.ZDown:
		e.ring.Appendf("Lowering Z to %g mm", e.cfg.PickupDepthMM)
		return e.zDown(ctx, e.cfg.PickupDepthMM)
	default:
		return errors.BadParamError("z direction", "must be UP or DOWN")
	}
}

// Jog moves one axis a raw step count for manual positioning. After an
// X or Y jog the well record is set to the well nearest the resulting
// position while that is over the plate, otherwise cleared.
func (e *Executor) Jog(ctx context.Context, motorID, steps int, dir protocol.Direction) error {
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	if (motorID == mcu.MotorX || motorID == mcu.MotorY) && e.tracker.Z() != state.ZUp {
		return errors.BadParamError("jog", "Z must be up before X/Y motion")
	}

	delayUS := e.cfg.TravelDelayUS()
	if motorID == mcu.MotorPipette {
		delayUS = e.cfg.PipetteDelayUS()
	}

	var reply protocol.StepReply
	err := e.retryTimeout(func() error {
		var stepErr error
		reply, stepErr = e.cmd.Step(motorID, steps, dir, delayUS, true)
		return stepErr
	})
	if err != nil {
		return err
	}
	cur := e.tracker.Position(motorID)
	if err := e.applyReply(motorID, reply, dir, cur-reply.StepsExecuted <= 0 && dir == e.homeDirection(motorID)); err != nil {
		return err
	}

	switch motorID {
	case mcu.MotorX, mcu.MotorY:
		if w, wellErr := e.mapper.XYToWell(e.tracker.Position(mcu.MotorX), e.tracker.Position(mcu.MotorY)); wellErr == nil {
			e.tracker.SetWell(w)
		} else {
			e.tracker.ClearWell()
		}
	case mcu.MotorZ:
		if e.tracker.Position(mcu.MotorZ) == 0 {
			e.tracker.SetZ(state.ZUp)
		} else {
			e.tracker.SetZ(state.ZDown)
		}
	}
	e.ring.Appendf("Jogged motor %d %d steps %s", motorID, reply.StepsExecuted, dir)
	return nil
}
