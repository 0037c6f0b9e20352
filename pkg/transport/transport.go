// Framed request/response channel to the MCU firmware
//
// One newline-terminated frame out, one frame back, strictly serialized.
// A read or write failure marks the channel broken; callers fail fast
// until a reconnect succeeds.
//
// Copyright (C) 2026  Lab Sampler Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"sampler-go/pkg/errors"
	"sampler-go/pkg/log"
)

const (
	// maxFrameSize bounds a single reply line.
	maxFrameSize = 64 * 1024

	// backoffStart is the first reconnect delay.
	backoffStart = 50 * time.Millisecond

	// backoffCap is the maximum reconnect delay.
	backoffCap = 2 * time.Second
)

// Dialer opens the underlying byte stream to the firmware.
type Dialer func() (io.ReadWriteCloser, error)

// Transport is the single-writer single-reader framed channel. All
// requests are serialized by the caller's motion lock; the transport
// additionally guards itself so misuse cannot interleave frames.
type Transport struct {
	mu     sync.Mutex
	dial   Dialer
	conn   io.ReadWriteCloser
	lines  chan []byte
	broken atomic.Bool
	logger *log.Logger
}

// New creates a transport over the given dialer. Connect must be called
// before the first request.
func New(dial Dialer) *Transport {
	t := &Transport{
		dial:   dial,
		logger: log.GetLogger("transport"),
	}
	t.broken.Store(true)
	return t
}

// Connect dials the device and starts the reader. Any previous
// connection is closed first.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	conn, err := t.dial()
	if err != nil {
		t.broken.Store(true)
		return errors.IOError(err)
	}

	t.conn = conn
	t.lines = make(chan []byte, 16)
	t.broken.Store(false)
	go t.readLoop(conn, t.lines)

	t.logger.Info("transport connected")
	return nil
}

// readLoop reads reply frames until the connection dies.
func (t *Transport) readLoop(conn io.ReadWriteCloser, lines chan<- []byte) {
	r := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.markBroken(conn, err)
			close(lines)
			return
		}
		if len(line) > maxFrameSize {
			t.markBroken(conn, io.ErrShortBuffer)
			close(lines)
			return
		}
		lines <- line
	}
}

func (t *Transport) markBroken(conn io.Closer, err error) {
	if t.broken.CompareAndSwap(false, true) {
		t.logger.WithError(err).Warn("transport broken")
	}
	conn.Close()
}

// Broken reports whether the channel needs a reconnect.
func (t *Transport) Broken() bool {
	return t.broken.Load()
}

// SendRequest writes one frame and waits for the matching reply. Replies
// are matched to the most recent unacknowledged request: any frame still
// buffered from a timed-out predecessor is discarded before writing.
func (t *Transport) SendRequest(frame []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.broken.Load() || t.conn == nil {
		return nil, errors.LinkLostError()
	}

	// Drain stale replies from a previous timeout.
	for {
		select {
		case stale, ok := <-t.lines:
			if !ok {
				return nil, errors.LinkLostError()
			}
			t.logger.Debug("discarding stale reply: %s", string(stale))
			continue
		default:
		}
		break
	}

	t.logger.Debug("-> %s", bytes.TrimSpace(frame))
	if _, err := t.conn.Write(frame); err != nil {
		t.markBroken(t.conn, err)
		return nil, errors.IOError(err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-t.lines:
		if !ok {
			return nil, errors.LinkLostError()
		}
		t.logger.Debug("<- %s", bytes.TrimSpace(line))
		return line, nil
	case <-timer.C:
		return nil, errors.TimeoutError(string(frame))
	}
}

// Close tears the channel down.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken.Store(true)
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// ReconnectWithBackoff retries Connect with exponential backoff capped
// at two seconds until it succeeds or ctx is cancelled. The caller must
// ensure no job holds the motion lock while this runs.
func (t *Transport) ReconnectWithBackoff(ctx context.Context) error {
	delay := backoffStart
	for {
		err := t.Connect()
		if err == nil {
			return nil
		}
		t.logger.WithError(err).Debug("reconnect attempt failed, retrying in %s", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}
