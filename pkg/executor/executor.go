// Pipetting executor primitives
//
// The executor turns program steps into ordered MCU primitives while
// holding these invariants: X/Y travel only happens with Z up, the
// loaded volume stays within [0, capacity], and every tracked position
// is updated from a confirmed MCU reply before the next primitive.
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package executor

import (
	"context"
	"time"

	"sampler-go/pkg/config"
	"sampler-go/pkg/errors"
	"sampler-go/pkg/kinematics"
	"sampler-go/pkg/log"
	"sampler-go/pkg/mcu"
	"sampler-go/pkg/protocol"
	"sampler-go/pkg/state"
)

// waitPoll is the cancellation check interval inside Wait primitives.
const waitPoll = 100 * time.Millisecond

// Observer receives executor state transitions for status publication.
type Observer func(op state.Operation, well string)

// Options wires an executor to its collaborators.
type Options struct {
	Config    *config.Snapshot
	Commander mcu.Commander
	Tracker   *state.Tracker
	Ring      *log.Ring
	Observe   Observer
}

// Executor runs pipetting primitives against one config snapshot. One
// executor serves one job (or one single-primitive entry point) and is
// always driven under the motion lock.
type Executor struct {
	cfg     *config.Snapshot
	mapper  *kinematics.Mapper
	cmd     mcu.Commander
	tracker *state.Tracker
	ring    *log.Ring
	observe Observer
	logger  *log.Logger
}

// New creates an executor over the given collaborators.
func New(opts Options) *Executor {
	obs := opts.Observe
	if obs == nil {
		obs = func(state.Operation, string) {}
	}
	ring := opts.Ring
	if ring == nil {
		ring = log.NewRing(log.DefaultRingCapacity)
	}
	return &Executor{
		cfg:     opts.Config,
		mapper:  kinematics.NewMapper(opts.Config),
		cmd:     opts.Commander,
		tracker: opts.Tracker,
		ring:    ring,
		observe: obs,
		logger:  log.GetLogger("executor"),
	}
}

// Mapper exposes the executor's coordinate mapper.
func (e *Executor) Mapper() *kinematics.Mapper {
	return e.mapper
}

// checkpoint observes cancellation. Called before every primitive, and
// after the MCU replies of Z moves and X/Y travel; pipette, jog and home
// replies are not followed by a checkpoint.
func (e *Executor) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.StoppedError()
	}
	return nil
}

// retryTimeout runs an MCU operation, retrying exactly once on a
// transport timeout. A second timeout is fatal for the job.
func (e *Executor) retryTimeout(op func() error) error {
	err := op()
	if errors.Is(err, errors.ErrTimeout) {
		e.logger.Warn("MCU request timed out, retrying once")
		err = op()
	}
	return err
}

// homeDirection is the wire direction that moves a motor toward its
// limit switch. The pipette rests plunger-empty, so its home is the
// dispense direction regardless of the axis homing configuration.
func (e *Executor) homeDirection(motorID int) protocol.Direction {
	if motorID == mcu.MotorPipette {
		return protocol.CW
	}
	return protocol.Direction(e.cfg.HomeDirection)
}

// awayDirection moves a motor away from its switch (positive positions).
func (e *Executor) awayDirection(motorID int) protocol.Direction {
	return e.homeDirection(motorID).Opposite()
}

// applyReply folds a confirmed step reply into the tracker with the
// right sign and classifies a limit trigger. A trigger while moving
// toward the switch with target 0 pins the axis at origin; any other
// trigger is a motion fault.
func (e *Executor) applyReply(motorID int, reply protocol.StepReply, dir protocol.Direction, targetIsOrigin bool) error {
	delta := reply.StepsExecuted
	if dir == e.homeDirection(motorID) {
		delta = -delta
	}
	e.tracker.ApplyDelta(motorID, delta)

	if !reply.LimitTriggered {
		return nil
	}
	if dir == e.homeDirection(motorID) && targetIsOrigin {
		e.tracker.SetAxisZero(motorID)
		return nil
	}
	return errors.UnexpectedLimitError(motorID)
}

// moveAxisTo steps one motor to an absolute target position.
func (e *Executor) moveAxisTo(ctx context.Context, motorID, target, delayUS int) error {
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	cur := e.tracker.Position(motorID)
	delta := target - cur
	if delta == 0 {
		return nil
	}
	dir := e.awayDirection(motorID)
	steps := delta
	if delta < 0 {
		dir = e.homeDirection(motorID)
		steps = -delta
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
	if err := e.applyReply(motorID, reply, dir, target == 0); err != nil {
		return err
	}
	return e.checkpoint(ctx)
}

// zUp raises Z to the safe travel height.
func (e *Executor) zUp(ctx context.Context) error {
	if err := e.moveAxisTo(ctx, mcu.MotorZ, 0, e.cfg.TravelDelayUS()); err != nil {
		return err
	}
	e.tracker.SetZ(state.ZUp)
	return nil
}

// zDown lowers the tip to the given depth below the well top. If the
// tip is already down it is raised first so the descent is absolute.
func (e *Executor) zDown(ctx context.Context, depthMM float64) error {
	target, err := e.mapper.ZForDepth(depthMM)
	if err != nil {
		return err
	}
	if e.tracker.Z() == state.ZDown {
		if err := e.zUp(ctx); err != nil {
			return err
		}
	}
	if err := e.moveAxisTo(ctx, mcu.MotorZ, target, e.cfg.TravelDelayUS()); err != nil {
		return err
	}
	e.tracker.SetZ(state.ZDown)
	return nil
}

// ensureZUp raises Z unless it is already up.
func (e *Executor) ensureZUp(ctx context.Context) error {
	if e.tracker.Z() == state.ZUp && e.tracker.Position(mcu.MotorZ) == 0 {
		return nil
	}
	return e.zUp(ctx)
}

// travelToWell relocates X and Y to a well center with one batch move.
// Z must be up; travel with the tip down is refused.
func (e *Executor) travelToWell(ctx context.Context, well kinematics.Well) error {
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	if e.tracker.Z() != state.ZUp {
		return errors.BadParamError("travel", "Z must be up before X/Y motion")
	}

	targetX, targetY := e.mapper.WellToXY(well)
	if err := e.mapper.ClampToEnvelope(targetX, targetY); err != nil {
		return err
	}

	dx := targetX - e.tracker.Position(mcu.MotorX)
	dy := targetY - e.tracker.Position(mcu.MotorY)
	if dx == 0 && dy == 0 {
		e.tracker.SetWell(well)
		return nil
	}

	e.observe(state.OpMoving, well.String())
	e.ring.Appendf("Moving to well %s", well)
	e.tracker.ClearWell()

	movement := func(motorID, delta int) protocol.Movement {
		dir := e.awayDirection(motorID)
		steps := delta
		if delta < 0 {
			dir = e.homeDirection(motorID)
			steps = -delta
		}
		return protocol.Movement{
			MotorID:   motorID,
			Steps:     steps,
			Direction: dir,
			DelayUS:   e.cfg.TravelDelayUS(),
		}
	}
	movements := []protocol.Movement{
		movement(mcu.MotorX, dx),
		movement(mcu.MotorY, dy),
	}

	var reply protocol.MoveBatchReply
	err := e.retryTimeout(func() error {
		var batchErr error
		reply, batchErr = e.cmd.MoveBatch(movements, true)
		return batchErr
	})
	if err != nil {
		return err
	}

	for _, res := range reply.Results {
		var requested protocol.Movement
		for _, m := range movements {
			if m.MotorID == res.MotorID {
				requested = m
			}
		}
		delta := res.StepsExecuted
		if requested.Direction == e.homeDirection(res.MotorID) {
			delta = -delta
		}
		e.tracker.ApplyDelta(res.MotorID, delta)
		if res.LimitHit {
			return errors.UnexpectedLimitError(res.MotorID)
		}
		if res.StepsExecuted != requested.Steps {
			return errors.MCUError("move_batch", "undershot without a limit trigger")
		}
	}

	e.tracker.SetWell(well)
	return e.checkpoint(ctx)
}

// loadedSteps is the plunger position, which is the loaded volume.
func (e *Executor) loadedSteps() int {
	return e.tracker.Position(mcu.MotorPipette)
}

// LoadedVolumeML reports the volume currently held by the pipette.
func (e *Executor) LoadedVolumeML() float64 {
	return e.mapper.StepsToVolume(e.loadedSteps())
}

// aspirateSteps draws liquid in, enforcing the capacity bound.
func (e *Executor) aspirateSteps(ctx context.Context, steps int) error {
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	if steps == 0 {
		return nil
	}
	loaded := e.loadedSteps()
	capSteps := e.mapper.VolumeToSteps(e.cfg.PipetteCapacityML)
	if loaded+steps > capSteps {
		return errors.OverflowError(
			e.mapper.StepsToVolume(loaded),
			e.mapper.StepsToVolume(steps),
			e.cfg.PipetteCapacityML)
	}

	var reply protocol.StepReply
	err := e.retryTimeout(func() error {
		var stepErr error
		reply, stepErr = e.cmd.Step(mcu.MotorPipette, steps, protocol.CCW, e.cfg.PipetteDelayUS(), true)
		return stepErr
	})
	if err != nil {
		return err
	}
	return e.applyReply(mcu.MotorPipette, reply, protocol.CCW, false)
}

// dispenseSteps pushes liquid out, enforcing the underflow bound. A
// limit trigger here means the plunger bottomed out at empty, which
// pins the position to zero.
func (e *Executor) dispenseSteps(ctx context.Context, steps int) error {
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	if steps == 0 {
		return nil
	}
	loaded := e.loadedSteps()
	if steps > loaded {
		return errors.UnderflowError(
			e.mapper.StepsToVolume(loaded),
			e.mapper.StepsToVolume(steps))
	}

	var reply protocol.StepReply
	err := e.retryTimeout(func() error {
		var stepErr error
		reply, stepErr = e.cmd.Step(mcu.MotorPipette, steps, protocol.CW, e.cfg.PipetteDelayUS(), true)
		return stepErr
	})
	if err != nil {
		return err
	}
	return e.applyReply(mcu.MotorPipette, reply, protocol.CW, steps == loaded)
}

// wait sleeps cooperatively, observing cancellation at least every
// hundred milliseconds.
func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	e.observe(state.OpWaiting, "")
	e.ring.Appendf("Waiting %s", d)
	return e.sleepUntil(ctx, time.Now().Add(d))
}

func (e *Executor) sleepUntil(ctx context.Context, target time.Time) error {
	for {
		remaining := time.Until(target)
		if remaining <= 0 {
			return nil
		}
		chunk := remaining
		if chunk > waitPoll {
			chunk = waitPoll
		}
		select {
		case <-ctx.Done():
			return errors.StoppedError()
		case <-time.After(chunk):
		}
	}
}
