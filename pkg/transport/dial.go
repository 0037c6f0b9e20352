// Device dialing for the transport
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the MCU link rate (115200 8N1).
const DefaultBaud = 115200

// SerialDialer opens a serial port device.
func SerialDialer(device string, baud int) Dialer {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name: device,
			Baud: baud,
		})
	}
}

// SocketDialer connects to a stream socket (the mock firmware or an
// RPC bridge).
func SocketDialer(network, address string) Dialer {
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout(network, address, 5*time.Second)
	}
}

// DeviceDialer picks a dialer from a device string: "unix:///path" and
// "tcp://host:port" select sockets, anything else is a serial port.
func DeviceDialer(device string, baud int) Dialer {
	switch {
	case strings.HasPrefix(device, "unix://"):
		return SocketDialer("unix", strings.TrimPrefix(device, "unix://"))
	case strings.HasPrefix(device, "tcp://"):
		return SocketDialer("tcp", strings.TrimPrefix(device, "tcp://"))
	default:
		return SerialDialer(device, baud)
	}
}
