package mcu

import (
	"testing"
	"time"

	"sampler-go/pkg/errors"
	"sampler-go/pkg/protocol"
)

// scriptedTransport replies to each request from a queue and records
// the decoded requests it saw.
type scriptedTransport struct {
	t        *testing.T
	requests []protocol.Request
	replies  [][]byte
	errs     []error
	broken   bool
}

func (s *scriptedTransport) SendRequest(frame []byte, timeout time.Duration) ([]byte, error) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		s.t.Fatalf("client sent malformed frame: %v", err)
	}
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.replies) == 0 {
		s.t.Fatal("no scripted reply left")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *scriptedTransport) Broken() bool { return s.broken }

func (s *scriptedTransport) pushOK(body interface{}) {
	frame, err := protocol.EncodeReply(protocol.StatusOK, body)
	if err != nil {
		s.t.Fatalf("encode scripted reply: %v", err)
	}
	s.replies = append(s.replies, frame)
	s.errs = append(s.errs, nil)
}

func (s *scriptedTransport) pushError(msg string) {
	frame, _ := protocol.EncodeErrorReply(msg)
	s.replies = append(s.replies, frame)
	s.errs = append(s.errs, nil)
}

func newTestClient(t *testing.T) (*Client, *scriptedTransport) {
	tr := &scriptedTransport{t: t}
	return NewClient(tr, time.Second), tr
}

func TestStepRoundTrip(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(protocol.StepReply{StepsExecuted: 400})

	reply, err := c.Step(MotorX, 400, protocol.CW, 1000, true)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if reply.StepsExecuted != 400 || reply.LimitTriggered {
		t.Errorf("unexpected reply: %+v", reply)
	}

	req, ok := tr.requests[0].(*protocol.StepRequest)
	if !ok {
		t.Fatalf("expected StepRequest, got %T", tr.requests[0])
	}
	if req.MotorID != MotorX || req.Steps != 400 || req.Direction != protocol.CW || !req.RespectLimit {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestStepValidation(t *testing.T) {
	c, _ := newTestClient(t)

	if _, err := c.Step(0, 10, protocol.CW, 1000, true); !errors.Is(err, errors.ErrBadParam) {
		t.Errorf("expected bad motor id error, got %v", err)
	}
	if _, err := c.Step(MotorX, MaxSafetySteps+1, protocol.CW, 1000, true); !errors.Is(err, errors.ErrBadParam) {
		t.Errorf("expected steps bound error, got %v", err)
	}
	if _, err := c.Step(MotorX, 10, protocol.CW, MinDelayUS-1, true); !errors.Is(err, errors.ErrBadParam) {
		t.Errorf("expected delay bound error, got %v", err)
	}
}

func TestStepUndershootWithoutLimitIsFault(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(protocol.StepReply{StepsExecuted: 399, LimitTriggered: false})

	if _, err := c.Step(MotorX, 400, protocol.CW, 1000, true); !errors.Is(err, errors.ErrMCU) {
		t.Errorf("expected MCU fault for undershoot, got %v", err)
	}
}

func TestStepLimitTriggeredUndershootIsLegal(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(protocol.StepReply{StepsExecuted: 123, LimitTriggered: true})

	reply, err := c.Step(MotorX, 400, protocol.CW, 1000, true)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !reply.LimitTriggered || reply.StepsExecuted != 123 {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestMCUErrorReply(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushError("motor not initialized")

	_, err := c.Step(MotorX, 10, protocol.CW, 1000, true)
	if !errors.Is(err, errors.ErrMCU) {
		t.Fatalf("expected MOTION_MCU, got %v", err)
	}
}

func TestHome(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(protocol.HomeReply{StepsToHome: 812, Homed: true})

	reply, err := c.Home(MotorZ, protocol.CCW, 2000, 10000)
	if err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	if !reply.Homed || reply.StepsToHome != 812 {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestMoveBatch(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(protocol.MoveBatchReply{Results: []protocol.MotorResult{
		{MotorID: 1, StepsExecuted: 400},
		{MotorID: 2, StepsExecuted: 0},
	}})

	reply, err := c.MoveBatch([]protocol.Movement{
		{MotorID: 1, Steps: 400, Direction: protocol.CW, DelayUS: 1000},
		{MotorID: 2, Steps: 0, Direction: protocol.CW, DelayUS: 1000},
	}, true)
	if err != nil {
		t.Fatalf("MoveBatch failed: %v", err)
	}
	if len(reply.Results) != 2 || reply.Results[0].StepsExecuted != 400 {
		t.Errorf("unexpected reply: %+v", reply)
	}

	if _, err := c.MoveBatch(nil, true); !errors.Is(err, errors.ErrBadParam) {
		t.Errorf("empty batch must be rejected, got %v", err)
	}
}

func TestGetLimits(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(protocol.GetLimitsReply{Limits: []protocol.LimitState{
		{MotorID: 1, Triggered: false, Pin: 10},
		{MotorID: 2, Triggered: true, Pin: 11},
	}})

	limits, err := c.GetLimits()
	if err != nil {
		t.Fatalf("GetLimits failed: %v", err)
	}
	if len(limits) != 2 || !limits[1].Triggered {
		t.Errorf("unexpected limits: %+v", limits)
	}
}

func TestStopAllFallsBackPerMotor(t *testing.T) {
	c, tr := newTestClient(t)
	// stop_all errors, then four individual stops succeed.
	tr.pushError("busy")
	for i := 0; i < MotorCount; i++ {
		tr.pushOK(nil)
	}

	err := c.StopAll()
	if err == nil {
		t.Fatal("expected the original stop_all error to be reported")
	}
	if len(tr.requests) != 1+MotorCount {
		t.Errorf("expected stop_all plus 4 stops, got %d requests", len(tr.requests))
	}
	if _, ok := tr.requests[1].(*protocol.StopRequest); !ok {
		t.Errorf("expected per-motor StopRequest fallback, got %T", tr.requests[1])
	}
}

func TestPingAndInit(t *testing.T) {
	c, tr := newTestClient(t)
	tr.pushOK(nil)
	if err := c.Init(MotorX, DefaultPins[MotorX]); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	init, ok := tr.requests[0].(*protocol.InitMotorRequest)
	if !ok || init.PulsePin != 2 || init.LimitPin != 10 {
		t.Errorf("unexpected init request: %+v", tr.requests[0])
	}

	frame, _ := protocol.EncodeReply(protocol.StatusPong, nil)
	tr.replies = append(tr.replies, frame)
	tr.errs = append(tr.errs, nil)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestTransportErrorPassesThrough(t *testing.T) {
	c, tr := newTestClient(t)
	tr.errs = append(tr.errs, errors.TimeoutError("step"))
	tr.replies = append(tr.replies, nil)

	if _, err := c.Step(MotorX, 10, protocol.CW, 1000, true); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("expected timeout to pass through untouched, got %v", err)
	}
}
