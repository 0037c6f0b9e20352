// MCU wire protocol for the sampler host
//
// Frames are UTF-8 JSON objects terminated by newline. Requests carry a
// "cmd" tag; replies carry a "status" tag ("ok", "error", "ready",
// "pong"). Request and reply types are a closed set: an unknown tag on
// either side is a hard decode error, never a warning.
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Direction is the wire encoding of motor rotation: 1 = clockwise.
type Direction int

const (
	// CCW rotates counterclockwise. Aspirate moves the plunger CCW.
	CCW Direction = 0

	// CW rotates clockwise. Dispense moves the plunger CW.
	CW Direction = 1
)

// String returns "cw" or "ccw".
func (d Direction) String() string {
	if d == CW {
		return "cw"
	}
	return "ccw"
}

// Opposite returns the reversed direction.
func (d Direction) Opposite() Direction {
	if d == CW {
		return CCW
	}
	return CW
}

// ParseDirection accepts "cw"/"ccw" (the REST encoding).
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "cw":
		return CW, nil
	case "ccw":
		return CCW, nil
	}
	return CCW, fmt.Errorf("unknown direction %q", s)
}

// Request is one host-to-MCU command.
type Request interface {
	// Cmd returns the wire tag of the request.
	Cmd() string
}

// InitMotorRequest configures one motor's GPIO pins. Idempotent.
type InitMotorRequest struct {
	MotorID  int `json:"motor_id"`
	PulsePin int `json:"pulse_pin"`
	DirPin   int `json:"dir_pin"`
	LimitPin int `json:"limit_pin"`
}

// StepRequest moves one motor a number of steps.
type StepRequest struct {
	MotorID      int       `json:"motor_id"`
	Direction    Direction `json:"direction"`
	Steps        int       `json:"steps"`
	DelayUS      int       `json:"delay_us"`
	RespectLimit bool      `json:"respect_limit"`
}

// HomeMotorRequest drives one motor toward its limit switch.
type HomeMotorRequest struct {
	MotorID   int       `json:"motor_id"`
	Direction Direction `json:"direction"`
	DelayUS   int       `json:"delay_us"`
	MaxSteps  int       `json:"max_steps"`
}

// HomeAllRequest homes every motor in firmware order.
type HomeAllRequest struct {
	Direction Direction `json:"direction"`
	DelayUS   int       `json:"delay_us"`
	MaxSteps  int       `json:"max_steps"`
}

// Movement is one motor's share of a batch move.
type Movement struct {
	MotorID   int       `json:"motor_id"`
	Steps     int       `json:"steps"`
	Direction Direction `json:"direction"`
	DelayUS   int       `json:"delay_us"`
}

// MoveBatchRequest steps several motors in lockstep at the minimum
// requested delay.
type MoveBatchRequest struct {
	RespectLimits bool       `json:"respect_limits"`
	Movements     []Movement `json:"movements"`
}

// GetLimitsRequest reads all limit switch states.
type GetLimitsRequest struct{}

// StopRequest de-energizes one motor.
type StopRequest struct {
	MotorID int `json:"motor_id"`
}

// StopAllRequest de-energizes every motor.
type StopAllRequest struct{}

// PingRequest is a liveness probe.
type PingRequest struct{}

// LEDTestRequest flashes a status pattern on the firmware LED matrix.
type LEDTestRequest struct {
	Pattern string `json:"pattern"`
}

func (InitMotorRequest) Cmd() string { return "init_motor" }
func (StepRequest) Cmd() string      { return "step" }
func (HomeMotorRequest) Cmd() string { return "home_motor" }
func (HomeAllRequest) Cmd() string   { return "home_all" }
func (MoveBatchRequest) Cmd() string { return "move_batch" }
func (GetLimitsRequest) Cmd() string { return "get_limits" }
func (StopRequest) Cmd() string      { return "stop" }
func (StopAllRequest) Cmd() string   { return "stop_all" }
func (PingRequest) Cmd() string      { return "ping" }
func (LEDTestRequest) Cmd() string   { return "led_test" }

// EncodeRequest serializes a request into one newline-terminated frame.
func EncodeRequest(r Request) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", r.Cmd(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", r.Cmd(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["cmd"] = json.RawMessage(fmt.Sprintf("%q", r.Cmd()))
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", r.Cmd(), err)
	}
	return append(out, '\n'), nil
}

// DecodeRequest parses one frame into its concrete request type.
// Used by firmware simulators; an unknown cmd tag is a hard error.
func DecodeRequest(frame []byte) (Request, error) {
	var tag struct {
		Cmd string `json:"cmd"`
	}
	frame = bytes.TrimSpace(frame)
	if err := json.Unmarshal(frame, &tag); err != nil {
		return nil, fmt.Errorf("protocol: malformed request frame: %w", err)
	}

	var req Request
	switch tag.Cmd {
	case "init_motor":
		req = &InitMotorRequest{}
	case "step":
		req = &StepRequest{}
	case "home_motor":
		req = &HomeMotorRequest{}
	case "home_all":
		req = &HomeAllRequest{}
	case "move_batch":
		req = &MoveBatchRequest{}
	case "get_limits":
		req = &GetLimitsRequest{}
	case "stop":
		req = &StopRequest{}
	case "stop_all":
		req = &StopAllRequest{}
	case "ping":
		req = &PingRequest{}
	case "led_test":
		req = &LEDTestRequest{}
	case "":
		return nil, fmt.Errorf("protocol: request frame missing cmd tag")
	default:
		return nil, fmt.Errorf("protocol: unknown command %q", tag.Cmd)
	}
	if err := json.Unmarshal(frame, req); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", tag.Cmd, err)
	}
	return req, nil
}
