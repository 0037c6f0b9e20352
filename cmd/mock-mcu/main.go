// mock-mcu simulates the sampler's stepper firmware for development
// and integration testing. It speaks the newline-JSON wire protocol
// over a unix or TCP socket and models four motors with home limit
// switches.
//
// The switch side of each motor is taken from each home command it
// receives, so the host's per-axis homing conventions work without
// configuration. Positions start 500 steps away from the switch, as an
// unhomed machine would.
//
// Usage:
//
//	mock-mcu -listen unix:///tmp/sampler-mcu [-realtime] [-trace]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"sampler-go/pkg/protocol"
)

const (
	motorCount = 4

	// initialDistance is each motor's pre-home distance from its switch.
	initialDistance = 500
)

// motorState models one motor relative to its limit switch.
type motorState struct {
	initialized bool
	dist        int                // steps away from the switch
	switchDir   protocol.Direction // direction that approaches the switch
	pulsePin    int
	dirPin      int
	limitPin    int
}

// firmware is the simulated MCU.
type firmware struct {
	mu       sync.Mutex
	motors   [motorCount]motorState
	realtime bool
	trace    bool
}

func newFirmware(realtime, trace bool) *firmware {
	f := &firmware{realtime: realtime, trace: trace}
	for i := range f.motors {
		f.motors[i] = motorState{
			dist:      initialDistance,
			switchDir: protocol.CCW,
			limitPin:  10 + i,
		}
	}
	return f
}

func (f *firmware) motor(id int) (*motorState, error) {
	if id < 1 || id > motorCount {
		return nil, fmt.Errorf("invalid motor_id %d", id)
	}
	return &f.motors[id-1], nil
}

func (f *firmware) sleepSteps(steps, delayUS int) {
	if f.realtime && steps > 0 {
		time.Sleep(time.Duration(steps) * time.Duration(delayUS) * time.Microsecond)
	}
}

// handle executes one request and returns the reply frame.
func (f *firmware) handle(req protocol.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r := req.(type) {
	case *protocol.PingRequest:
		return protocol.EncodeReply(protocol.StatusPong, nil)

	case *protocol.InitMotorRequest:
		m, err := f.motor(r.MotorID)
		if err != nil {
			return protocol.EncodeErrorReply(err.Error())
		}
		m.initialized = true
		m.pulsePin = r.PulsePin
		m.dirPin = r.DirPin
		m.limitPin = r.LimitPin
		return protocol.EncodeReply(protocol.StatusOK, nil)

	case *protocol.StepRequest:
		m, err := f.motor(r.MotorID)
		if err != nil {
			return protocol.EncodeErrorReply(err.Error())
		}
		if !m.initialized {
			return protocol.EncodeErrorReply(fmt.Sprintf("motor %d not initialized", r.MotorID))
		}
		executed, limit := m.move(r.Steps, r.Direction, r.RespectLimit)
		f.sleepSteps(executed, r.DelayUS)
		return protocol.EncodeReply(protocol.StatusOK, protocol.StepReply{
			StepsExecuted:  executed,
			LimitTriggered: limit,
		})

	case *protocol.HomeMotorRequest:
		m, err := f.motor(r.MotorID)
		if err != nil {
			return protocol.EncodeErrorReply(err.Error())
		}
		reply := m.home(r.Direction, r.MaxSteps)
		f.sleepSteps(reply.StepsToHome, r.DelayUS)
		return protocol.EncodeReply(protocol.StatusOK, reply)

	case *protocol.HomeAllRequest:
		var all protocol.HomeAllReply
		for i := range f.motors {
			reply := f.motors[i].home(r.Direction, r.MaxSteps)
			all.StepsToHome = append(all.StepsToHome, reply.StepsToHome)
			all.Homed = append(all.Homed, reply.Homed)
		}
		return protocol.EncodeReply(protocol.StatusOK, all)

	case *protocol.MoveBatchRequest:
		var reply protocol.MoveBatchReply
		longest := 0
		for _, mv := range r.Movements {
			m, err := f.motor(mv.MotorID)
			if err != nil {
				return protocol.EncodeErrorReply(err.Error())
			}
			executed, limit := m.move(mv.Steps, mv.Direction, r.RespectLimits)
			if d := executed * mv.DelayUS; d > longest {
				longest = d
			}
			reply.Results = append(reply.Results, protocol.MotorResult{
				MotorID:       mv.MotorID,
				StepsExecuted: executed,
				LimitHit:      limit,
			})
		}
		f.sleepSteps(longest, 1)
		return protocol.EncodeReply(protocol.StatusOK, reply)

	case *protocol.GetLimitsRequest:
		var reply protocol.GetLimitsReply
		for i := range f.motors {
			m := &f.motors[i]
			reply.Limits = append(reply.Limits, protocol.LimitState{
				MotorID:   i + 1,
				Triggered: m.dist == 0,
				Pin:       m.limitPin,
			})
		}
		return protocol.EncodeReply(protocol.StatusOK, reply)

	case *protocol.StopRequest:
		if _, err := f.motor(r.MotorID); err != nil {
			return protocol.EncodeErrorReply(err.Error())
		}
		return protocol.EncodeReply(protocol.StatusOK, nil)

	case *protocol.StopAllRequest:
		return protocol.EncodeReply(protocol.StatusOK, nil)

	case *protocol.LEDTestRequest:
		return protocol.EncodeReply(protocol.StatusOK, nil)

	default:
		return protocol.EncodeErrorReply(fmt.Sprintf("unhandled command %q", req.Cmd()))
	}
}

// move advances a motor, clamping at the switch when respected.
func (m *motorState) move(steps int, dir protocol.Direction, respectLimit bool) (executed int, limit bool) {
	if dir == m.switchDir {
		if steps > m.dist && respectLimit {
			executed = m.dist
			m.dist = 0
			return executed, true
		}
		m.dist -= steps
		if m.dist < 0 {
			m.dist = 0
		}
		return steps, false
	}
	m.dist += steps
	return steps, false
}

// home drives toward the switch, learning which side it is on.
func (m *motorState) home(dir protocol.Direction, maxSteps int) protocol.HomeReply {
	m.switchDir = dir
	if m.dist > maxSteps {
		m.dist -= maxSteps
		return protocol.HomeReply{StepsToHome: maxSteps, Homed: false}
	}
	steps := m.dist
	m.dist = 0
	return protocol.HomeReply{StepsToHome: steps, Homed: true}
}

// serve handles one host connection.
func (f *firmware) serve(conn net.Conn) {
	defer conn.Close()
	fmt.Printf("host connected: %s\n", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if f.trace {
			fmt.Printf("<- %s\n", line)
		}

		var reply []byte
		req, err := protocol.DecodeRequest(line)
		if err != nil {
			reply, _ = protocol.EncodeErrorReply(err.Error())
		} else {
			reply, err = f.handle(req)
			if err != nil {
				reply, _ = protocol.EncodeErrorReply(err.Error())
			}
		}
		if f.trace {
			fmt.Printf("-> %s", reply)
		}
		if _, err := conn.Write(reply); err != nil {
			break
		}
	}
	fmt.Println("host disconnected")
}

func main() {
	listen := flag.String("listen", "unix:///tmp/sampler-mcu", "unix://PATH or tcp://ADDR to listen on")
	realtime := flag.Bool("realtime", false, "Sleep for simulated pulse trains")
	trace := flag.Bool("trace", false, "Print every frame")
	flag.Parse()

	var ln net.Listener
	var err error
	switch {
	case strings.HasPrefix(*listen, "unix://"):
		path := strings.TrimPrefix(*listen, "unix://")
		os.Remove(path)
		ln, err = net.Listen("unix", path)
	case strings.HasPrefix(*listen, "tcp://"):
		ln, err = net.Listen("tcp", strings.TrimPrefix(*listen, "tcp://"))
	default:
		fmt.Fprintf(os.Stderr, "Error: -listen must be unix:// or tcp://\n")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen %s: %v\n", *listen, err)
		os.Exit(1)
	}
	defer ln.Close()

	fmt.Printf("mock-mcu listening on %s\n", *listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ln.Close()
		os.Exit(0)
	}()

	fw := newFirmware(*realtime, *trace)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go fw.serve(conn)
	}
}
