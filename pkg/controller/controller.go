// Execution controller
//
// Owns the process-wide motion lock, runs at most one motion job at a
// time, and publishes the status snapshot and log ring the UI reads
// without locking.
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sampler-go/pkg/config"
	"sampler-go/pkg/errors"
	"sampler-go/pkg/executor"
	"sampler-go/pkg/kinematics"
	"sampler-go/pkg/log"
	"sampler-go/pkg/mcu"
	"sampler-go/pkg/protocol"
	"sampler-go/pkg/state"
	"sampler-go/pkg/transport"
)

// Options wires a controller to its collaborators.
type Options struct {
	Registry  *config.Registry
	Commander mcu.Commander

	// Transport is optional; when present the controller supervises
	// reconnects while no job holds the motion lock.
	Transport *transport.Transport

	// RingCapacity sizes the log ring (default 1024).
	RingCapacity int

	// Hooks observe job lifecycle transitions (e.g. for metrics).
	Hooks Hooks
}

// Hooks are optional job lifecycle callbacks.
type Hooks struct {
	JobStarted  func()
	JobFinished func(err error)
}

// Controller is the single entry point for all motion.
type Controller struct {
	motion   sync.Mutex // the motion lock; acquired with TryLock only
	registry *config.Registry
	cmd      mcu.Commander
	tr       *transport.Transport
	tracker  *state.Tracker
	status   *state.Status
	ring     *log.Ring
	logger   *log.Logger

	hooks Hooks

	jobMu     sync.Mutex
	jobID     string
	jobCancel context.CancelFunc
	running   bool
}

// New creates a controller in the uninitialized (not homed) state.
func New(opts Options) *Controller {
	return &Controller{
		registry: opts.Registry,
		cmd:      opts.Commander,
		tr:       opts.Transport,
		tracker:  state.NewTracker(),
		status:   state.NewStatus(),
		ring:     log.NewRing(opts.RingCapacity),
		logger:   log.GetLogger("controller"),
		hooks:    opts.Hooks,
	}
}

func (c *Controller) notifyStarted() {
	if c.hooks.JobStarted != nil {
		c.hooks.JobStarted()
	}
}

func (c *Controller) notifyFinished(err error) {
	if c.hooks.JobFinished != nil {
		c.hooks.JobFinished(err)
	}
}

// Tracker exposes the position tracker for read-only callers.
func (c *Controller) Tracker() *state.Tracker {
	return c.tracker
}

// StatusFeed exposes the status holder (snapshot reads and websocket
// subscriptions).
func (c *Controller) StatusFeed() *state.Status {
	return c.status
}

// Status returns the current snapshot. Non-blocking.
func (c *Controller) Status() state.StatusSnapshot {
	return c.status.Get()
}

// Logs returns up to the last n log ring lines.
func (c *Controller) Logs(n int) []string {
	return c.ring.Last(n)
}

// Config returns the live configuration snapshot.
func (c *Controller) Config() *config.Snapshot {
	return c.registry.Current()
}

// ReplaceConfig validates and swaps the configuration. Running jobs
// keep the snapshot they started with.
func (c *Controller) ReplaceConfig(values map[string]string) (*config.Snapshot, error) {
	snap, err := c.registry.Replace(values)
	if err != nil {
		return nil, err
	}
	c.ring.Append("Configuration replaced")
	return snap, nil
}

// publish builds a full snapshot from the tracker and swaps it in.
func (c *Controller) publish(op state.Operation, opWell, message string) {
	c.jobMu.Lock()
	jobID := c.jobID
	running := c.running
	c.jobMu.Unlock()

	snap := c.tracker.Snapshot()
	well := ""
	if snap.HasWell {
		well = snap.Well.String()
	}
	c.status.Publish(state.StatusSnapshot{
		Initialized:      snap.Initialized,
		CurrentWell:      well,
		ZState:           snap.Z,
		PipetteCount:     snap.PipetteCount,
		CurrentOperation: op,
		OperationWell:    opWell,
		IsExecuting:      running,
		Message:          message,
		JobID:            jobID,
	})
}

// observer adapts executor transitions into status snapshots.
func (c *Controller) observer(op state.Operation, well string) {
	c.publish(op, well, "")
}

// newExecutor builds a job executor over the current config snapshot.
func (c *Controller) newExecutor() *executor.Executor {
	return executor.New(executor.Options{
		Config:    c.registry.Current(),
		Commander: c.cmd,
		Tracker:   c.tracker,
		Ring:      c.ring,
		Observe:   c.observer,
	})
}

// beginJob acquires the motion lock without blocking.
func (c *Controller) beginJob() (context.Context, error) {
	if !c.motion.TryLock() {
		return nil, errors.BusyError()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.jobMu.Lock()
	c.jobID = uuid.NewString()
	c.jobCancel = cancel
	c.running = true
	c.jobMu.Unlock()
	return ctx, nil
}

// endJob releases the lock after terminal-state handling.
func (c *Controller) endJob() {
	c.jobMu.Lock()
	if c.jobCancel != nil {
		c.jobCancel()
		c.jobCancel = nil
	}
	c.running = false
	c.jobID = ""
	c.jobMu.Unlock()
	c.motion.Unlock()
}

// IsRunning reports whether a job holds the motion lock.
func (c *Controller) IsRunning() bool {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return c.running
}

// finishJob translates a job result into the terminal status, issuing
// stop_all and adjusting the initialized flag per the fault class.
func (c *Controller) finishJob(err error, doneMessage string) {
	switch {
	case err == nil:
		c.publishIdleSoon(doneMessage)

	case errors.IsValidation(err):
		// Rejected input: no motion happened, no state change.
		c.ring.Appendf("Rejected: %v", err)
		c.publishIdleSoon(err.Error())

	case errors.Is(err, errors.ErrStopped):
		c.publish(state.OpStopping, "", "stopping")
		if stopErr := c.cmd.StopAll(); stopErr != nil {
			c.logger.WithError(stopErr).Warn("stop_all after cancel failed")
		}
		c.ring.Append("Execution stopped by user")
		c.publishIdleSoon("stopped by user")

	default:
		if stopErr := c.cmd.StopAll(); stopErr != nil {
			c.logger.WithError(stopErr).Warn("stop_all after fault failed")
		}
		if errors.IsMotionFault(err) || errors.IsTransport(err) {
			c.tracker.MarkUninitialized()
		}
		c.ring.Appendf("Error: %v", err)
		c.logger.WithError(err).Error("job failed")
		c.jobMu.Lock()
		c.running = false
		c.jobMu.Unlock()
		c.publish(state.OpError, "", err.Error())
	}
}

// publishIdleSoon publishes the idle state with a message.
func (c *Controller) publishIdleSoon(message string) {
	c.jobMu.Lock()
	c.running = false
	c.jobMu.Unlock()
	c.publish(state.OpIdle, "", message)
}

// StartProgram validates and accepts a program, spawning the job task.
// The returned id identifies the accepted job; the verdict says nothing
// about the job's outcome.
func (c *Controller) StartProgram(prog executor.Program) (string, error) {
	cfg := c.registry.Current()
	if err := prog.Validate(cfg); err != nil {
		return "", err
	}
	if !c.tracker.Initialized() {
		return "", errors.NotInitializedError()
	}

	ctx, err := c.beginJob()
	if err != nil {
		return "", err
	}
	c.jobMu.Lock()
	id := c.jobID
	c.jobMu.Unlock()

	ex := c.newExecutor()
	c.notifyStarted()
	go func() {
		defer c.endJob()
		c.publish(state.OpMoving, "", "program started")
		err := ex.RunProgram(ctx, prog)
		c.finishJob(err, "sequence complete")
		c.notifyFinished(err)
	}()
	return id, nil
}

// Stop requests cancellation of the running job. Idempotent; a no-op
// when idle. The job observes the flag at its next checkpoint, issues
// stop_all, and releases the lock.
func (c *Controller) Stop() {
	c.jobMu.Lock()
	cancel := c.jobCancel
	c.jobMu.Unlock()
	if cancel == nil {
		return
	}
	c.ring.Append("Stop requested")
	cancel()
}

// HomeAll homes every axis and initializes the tracker. Runs under the
// motion lock; returns Busy if a job is active. Homing clears a prior
// error state.
func (c *Controller) HomeAll() error {
	ctx, err := c.beginJob()
	if err != nil {
		return err
	}
	defer c.endJob()

	ex := c.newExecutor()
	runErr := ex.HomeAll(ctx)
	if runErr != nil {
		c.finishJob(runErr, "")
		return runErr
	}
	c.publishIdleSoon("homed; at A1")
	return nil
}

// runPrimitive runs one single-primitive entry point under the lock.
func (c *Controller) runPrimitive(requireInit bool, op func(context.Context, *executor.Executor) error) error {
	ctx, err := c.beginJob()
	if err != nil {
		return err
	}
	defer c.endJob()

	if requireInit && !c.tracker.Initialized() {
		return errors.NotInitializedError()
	}

	ex := c.newExecutor()
	if runErr := op(ctx, ex); runErr != nil {
		c.finishJob(runErr, "")
		return runErr
	}
	c.publishIdleSoon("")
	return nil
}

// MoveToWell relocates to a well as a single primitive.
func (c *Controller) MoveToWell(well kinematics.Well) error {
	return c.runPrimitive(true, func(ctx context.Context, ex *executor.Executor) error {
		return ex.MoveToWell(ctx, well)
	})
}

// Aspirate draws a volume as a single primitive.
func (c *Controller) Aspirate(volumeML float64) error {
	return c.runPrimitive(true, func(ctx context.Context, ex *executor.Executor) error {
		return ex.Aspirate(ctx, volumeML)
	})
}

// Dispense pushes a volume out as a single primitive.
func (c *Controller) Dispense(volumeML float64) error {
	return c.runPrimitive(true, func(ctx context.Context, ex *executor.Executor) error {
		return ex.Dispense(ctx, volumeML)
	})
}

// ToggleZ raises or lowers the tip as a single primitive.
func (c *Controller) ToggleZ(z state.ZState) error {
	return c.runPrimitive(true, func(ctx context.Context, ex *executor.Executor) error {
		return ex.ToggleZ(ctx, z)
	})
}

// Jog moves one axis a raw step count as a single primitive.
func (c *Controller) Jog(motorID, steps int, dir protocol.Direction) error {
	return c.runPrimitive(true, func(ctx context.Context, ex *executor.Executor) error {
		return ex.Jog(ctx, motorID, steps, dir)
	})
}

// SetPipetteCount changes the mounted pipette configuration. Refused
// while a job is running.
func (c *Controller) SetPipetteCount(n int) error {
	if n != 1 && n != 3 {
		return errors.BadParamError("pipette count", "must be 1 or 3")
	}
	if !c.motion.TryLock() {
		return errors.BusyError()
	}
	defer c.motion.Unlock()

	c.tracker.SetPipetteCount(n)
	c.ring.Appendf("Pipette configuration changed to %d pipette(s)", n)
	c.publish(state.OpIdle, "", "")
	return nil
}

// Ping probes the MCU.
func (c *Controller) Ping() error {
	return c.cmd.Ping()
}

// Limits reads the limit switch states. Serialized with motion: the
// firmware does not guarantee concurrent reads during a move.
func (c *Controller) Limits() ([]protocol.LimitState, error) {
	if !c.motion.TryLock() {
		return nil, errors.BusyError()
	}
	defer c.motion.Unlock()
	return c.cmd.GetLimits()
}

// TransportHealthy reports whether the MCU link is up.
func (c *Controller) TransportHealthy() bool {
	return c.tr == nil || !c.tr.Broken()
}

// SuperviseTransport reconnects a broken link with capped backoff while
// no job holds the motion lock. Blocks until ctx is cancelled.
func (c *Controller) SuperviseTransport(ctx context.Context) {
	if c.tr == nil {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.tr.Broken() || c.IsRunning() {
			continue
		}
		c.ring.Append("MCU link lost; reconnecting")
		if err := c.tr.ReconnectWithBackoff(ctx); err != nil {
			return
		}
		c.ring.Append("MCU link restored")
	}
}
