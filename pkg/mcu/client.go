// Motor driver client
//
// Typed operations over the framed transport. The client validates
// parameters host-side, encodes one request frame, and decodes exactly
// one reply. It never retries; retry policy belongs to the executor.
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcu

import (
	"time"

	"go.uber.org/multierr"

	"sampler-go/pkg/errors"
	"sampler-go/pkg/log"
	"sampler-go/pkg/protocol"
)

// Motor identifiers on the wire.
const (
	MotorX       = 1
	MotorY       = 2
	MotorZ       = 3
	MotorPipette = 4

	// MotorCount is the number of axes.
	MotorCount = 4
)

const (
	// MaxSafetySteps bounds a single step command host-side.
	MaxSafetySteps = 100000

	// MinDelayUS is the fastest step period the firmware accepts.
	MinDelayUS = 100
)

// Pins holds one motor's GPIO assignment.
type Pins struct {
	Pulse int
	Dir   int
	Limit int
}

// DefaultPins is the firmware's wiring of the four axes.
var DefaultPins = map[int]Pins{
	MotorX:       {Pulse: 2, Dir: 3, Limit: 10},
	MotorY:       {Pulse: 4, Dir: 5, Limit: 11},
	MotorZ:       {Pulse: 6, Dir: 7, Limit: 12},
	MotorPipette: {Pulse: 8, Dir: 9, Limit: 13},
}

// Requester is the transport dependency.
type Requester interface {
	SendRequest(frame []byte, timeout time.Duration) ([]byte, error)
	Broken() bool
}

// Commander is the motor surface the executor drives. Tests substitute
// an in-process fake.
type Commander interface {
	Init(motorID int, pins Pins) error
	Step(motorID, steps int, dir protocol.Direction, delayUS int, respectLimit bool) (protocol.StepReply, error)
	Home(motorID int, dir protocol.Direction, delayUS, maxSteps int) (protocol.HomeReply, error)
	MoveBatch(movements []protocol.Movement, respectLimits bool) (protocol.MoveBatchReply, error)
	GetLimits() ([]protocol.LimitState, error)
	Stop(motorID int) error
	StopAll() error
	Ping() error
	LEDTest(pattern string) error
}

// Client implements Commander over a transport.
type Client struct {
	tr      Requester
	timeout time.Duration
	logger  *log.Logger
}

// NewClient creates a client with the given base request timeout.
func NewClient(tr Requester, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		tr:      tr,
		timeout: timeout,
		logger:  log.GetLogger("mcu"),
	}
}

func validMotor(motorID int) error {
	if motorID < MotorX || motorID > MotorPipette {
		return errors.BadParamError("motor id", "must be 1-4")
	}
	return nil
}

// moveTimeout extends the base timeout by the expected pulse-train
// duration so long moves are not misreported as dead links.
func (c *Client) moveTimeout(steps, delayUS int) time.Duration {
	moveTime := time.Duration(steps) * time.Duration(delayUS) * 2 * time.Microsecond
	return c.timeout + moveTime
}

// roundTrip encodes, sends and decodes one request.
func (c *Client) roundTrip(req protocol.Request, timeout time.Duration, reply interface{}) error {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrMCU, "encode request")
	}
	raw, err := c.tr.SendRequest(frame, timeout)
	if err != nil {
		return err
	}
	if err := protocol.DecodeReply(raw, reply); err != nil {
		if mcuErr, ok := err.(*protocol.ErrMCU); ok {
			return errors.MCUError(req.Cmd(), mcuErr.Message)
		}
		return errors.Wrap(err, errors.ErrMCU, "decode reply")
	}
	return nil
}

// Init configures one motor's pins. Idempotent; called once at startup.
func (c *Client) Init(motorID int, pins Pins) error {
	if err := validMotor(motorID); err != nil {
		return err
	}
	return c.roundTrip(protocol.InitMotorRequest{
		MotorID:  motorID,
		PulsePin: pins.Pulse,
		DirPin:   pins.Dir,
		LimitPin: pins.Limit,
	}, c.timeout, nil)
}

// Step moves one motor. The reply's executed count is at most the
// request; anything less without a limit trigger is a firmware fault.
func (c *Client) Step(motorID, steps int, dir protocol.Direction, delayUS int, respectLimit bool) (protocol.StepReply, error) {
	var reply protocol.StepReply
	if err := validMotor(motorID); err != nil {
		return reply, err
	}
	if steps < 0 || steps > MaxSafetySteps {
		return reply, errors.BadParamError("steps", "outside 0..100000")
	}
	if delayUS < MinDelayUS {
		return reply, errors.BadParamError("delay_us", "below minimum step period")
	}

	err := c.roundTrip(protocol.StepRequest{
		MotorID:      motorID,
		Direction:    dir,
		Steps:        steps,
		DelayUS:      delayUS,
		RespectLimit: respectLimit,
	}, c.moveTimeout(steps, delayUS), &reply)
	if err != nil {
		return reply, err
	}
	if reply.StepsExecuted > steps {
		return reply, errors.MCUError("step", "executed more steps than requested")
	}
	if reply.StepsExecuted < steps && !reply.LimitTriggered {
		return reply, errors.MCUError("step", "undershot without a limit trigger")
	}
	return reply, nil
}

// Home drives one motor toward its limit switch.
func (c *Client) Home(motorID int, dir protocol.Direction, delayUS, maxSteps int) (protocol.HomeReply, error) {
	var reply protocol.HomeReply
	if err := validMotor(motorID); err != nil {
		return reply, err
	}
	if delayUS < MinDelayUS {
		return reply, errors.BadParamError("delay_us", "below minimum step period")
	}
	if maxSteps <= 0 {
		return reply, errors.BadParamError("max_steps", "must be positive")
	}
	err := c.roundTrip(protocol.HomeMotorRequest{
		MotorID:   motorID,
		Direction: dir,
		DelayUS:   delayUS,
		MaxSteps:  maxSteps,
	}, c.moveTimeout(maxSteps, delayUS), &reply)
	return reply, err
}

// MoveBatch steps several motors in lockstep.
func (c *Client) MoveBatch(movements []protocol.Movement, respectLimits bool) (protocol.MoveBatchReply, error) {
	var reply protocol.MoveBatchReply
	if len(movements) == 0 {
		return reply, errors.BadParamError("movements", "empty batch")
	}
	longest := 0
	for _, m := range movements {
		if err := validMotor(m.MotorID); err != nil {
			return reply, err
		}
		if m.Steps < 0 || m.Steps > MaxSafetySteps {
			return reply, errors.BadParamError("steps", "outside 0..100000")
		}
		if m.DelayUS < MinDelayUS {
			return reply, errors.BadParamError("delay_us", "below minimum step period")
		}
		if d := m.Steps * m.DelayUS; d > longest {
			longest = d
		}
	}
	err := c.roundTrip(protocol.MoveBatchRequest{
		RespectLimits: respectLimits,
		Movements:     movements,
	}, c.timeout+time.Duration(longest)*2*time.Microsecond, &reply)
	return reply, err
}

// GetLimits reads all limit switch states.
func (c *Client) GetLimits() ([]protocol.LimitState, error) {
	var reply protocol.GetLimitsReply
	if err := c.roundTrip(protocol.GetLimitsRequest{}, c.timeout, &reply); err != nil {
		return nil, err
	}
	return reply.Limits, nil
}

// Stop de-energizes one motor. Best effort at the driver.
func (c *Client) Stop(motorID int) error {
	if err := validMotor(motorID); err != nil {
		return err
	}
	return c.roundTrip(protocol.StopRequest{MotorID: motorID}, c.timeout, nil)
}

// StopAll de-energizes every motor. If the combined command fails, each
// motor is stopped individually and the failures are aggregated.
func (c *Client) StopAll() error {
	err := c.roundTrip(protocol.StopAllRequest{}, c.timeout, nil)
	if err == nil {
		return nil
	}

	c.logger.WithError(err).Warn("stop_all failed, stopping motors individually")
	errs := err
	for id := MotorX; id <= MotorPipette; id++ {
		if stopErr := c.Stop(id); stopErr != nil {
			errs = multierr.Append(errs, stopErr)
		}
	}
	return errs
}

// Ping checks firmware liveness.
func (c *Client) Ping() error {
	return c.roundTrip(protocol.PingRequest{}, c.timeout, nil)
}

// LEDTest flashes a status pattern.
func (c *Client) LEDTest(pattern string) error {
	return c.roundTrip(protocol.LEDTestRequest{Pattern: pattern}, c.timeout, nil)
}
