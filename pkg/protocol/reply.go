// MCU reply framing
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

// Status is the reply tag.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusReady Status = "ready"
	StatusPong  Status = "pong"
)

// ErrMCU is returned by DecodeReply when the firmware reports an error
// status. The message is the firmware's own description.
type ErrMCU struct {
	Message string
}

func (e *ErrMCU) Error() string {
	return fmt.Sprintf("mcu error: %s", e.Message)
}

// StepReply reports an executed step command.
type StepReply struct {
	StepsExecuted  int  `json:"steps_executed"`
	LimitTriggered bool `json:"limit_triggered"`
}

// HomeReply reports a single-motor homing result. Homed is false iff
// max_steps was exhausted without the switch triggering.
type HomeReply struct {
	StepsToHome int  `json:"steps_to_home"`
	Homed       bool `json:"homed"`
}

// HomeAllReply reports per-motor homing results in motor order 1..4.
type HomeAllReply struct {
	StepsToHome []int  `json:"steps_to_home"`
	Homed       []bool `json:"homed"`
}

// MotorResult is one motor's share of a batch reply.
type MotorResult struct {
	MotorID       int  `json:"motor_id"`
	StepsExecuted int  `json:"steps_executed"`
	LimitHit      bool `json:"limit_hit"`
}

// MoveBatchReply reports per-motor batch results.
type MoveBatchReply struct {
	Results []MotorResult `json:"results"`
}

// LimitState is one limit switch reading. Triggered means the line is
// low (switch closed to ground against the pull-up).
type LimitState struct {
	MotorID   int  `json:"motor_id"`
	Triggered bool `json:"triggered"`
	Pin       int  `json:"pin"`
}

// GetLimitsReply reports all limit switch states.
type GetLimitsReply struct {
	Limits []LimitState `json:"limits"`
}

// AckReply is an empty ok reply (init, stop, stop_all, led_test).
type AckReply struct{}

// PongReply answers a ping.
type PongReply struct{}

// EncodeReply serializes a reply body under the given status tag into
// one newline-terminated frame. Used by firmware simulators.
func EncodeReply(status Status, body interface{}) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode reply: %w", err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("protocol: encode reply: %w", err)
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	fields["status"] = json.RawMessage(fmt.Sprintf("%q", status))
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode reply: %w", err)
	}
	return append(out, '\n'), nil
}

// EncodeErrorReply serializes an error reply with a message.
func EncodeErrorReply(message string) ([]byte, error) {
	return EncodeReply(StatusError, map[string]string{"message": message})
}

// DecodeReply parses one reply frame into target. A reply with status
// "error" decodes to *ErrMCU; an unknown status tag is a hard error.
// Pass a nil target for replies with no body (ack, pong).
func DecodeReply(frame []byte, target interface{}) error {
	frame = bytes.TrimSpace(frame)
	var tag struct {
		Status  Status `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(frame, &tag); err != nil {
		return fmt.Errorf("protocol: malformed reply frame: %w", err)
	}
	switch tag.Status {
	case StatusOK, StatusReady, StatusPong:
	case StatusError:
		return &ErrMCU{Message: tag.Message}
	case "":
		return fmt.Errorf("protocol: reply frame missing status tag")
	default:
		return fmt.Errorf("protocol: unknown reply status %q", tag.Status)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(frame, target); err != nil {
		return fmt.Errorf("protocol: decode reply: %w", err)
	}
	return nil
}
