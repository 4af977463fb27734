// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package serial provides the byte-stream transport between the call state
// machine and the physical modem.
//
// The port supports two read modes required by the call state machine:
// Blocking, where a read waits for data and returns once an inter-byte idle
// has elapsed (so one read captures one modem utterance), and Polled, where
// a read returns immediately with whatever is available. It also exposes
// the DTR-pulse primitive that is the only reliable way to force a modem
// back to command mode.
package serial

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Mode selects how Read behaves.
type Mode int

const (
	// Blocking reads wait for data and return once an inter-byte idle
	// period has elapsed, or the read buffer fills.
	Blocking Mode = iota
	// Polled reads return immediately with 0..N bytes.
	Polled
)

// idleTimeout is the inter-byte idle period that terminates a Blocking read.
const idleTimeout = 100 * time.Millisecond

// blockingReadCap is the maximum number of bytes returned by a single
// Blocking read; large enough to capture one ring tag, caller-ID block, or
// command response.
const blockingReadCap = 250

// dtrPulseLow is how long DTR is held low by PulseDTR.
const dtrPulseLow = 300 * time.Millisecond

// Config holds the options applied by Open.
type Config struct {
	baud int
	mode Mode
}

// Option modifies a Config created by Open.
type Option func(*Config)

// WithBaud sets the baud rate. Caller-ID capable modems use 1200 baud; some
// variants initialise at a higher rate (e.g. 57600) and let the modem itself
// negotiate caller-ID reception.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// WithMode sets the initial read mode.
func WithMode(m Mode) Option {
	return func(c *Config) {
		c.mode = m
	}
}

// Port is a byte-stream connection to a voice modem.
type Port struct {
	port serial.Port
	mode Mode
}

// Open opens path with 8 data bits, no parity and 1 stop bit, raises RTS,
// and configures the initial read mode. No RTS/CTS handshake is configured:
// writes are not paced on CTS.
func Open(path string, opts ...Option) (*Port, error) {
	cfg := Config{baud: 1200, mode: Blocking}
	for _, opt := range opts {
		opt(&cfg)
	}
	sp, err := serial.Open(path, &serial.Mode{
		BaudRate: cfg.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "open serial port")
	}
	if err := sp.SetRTS(true); err != nil {
		sp.Close()
		return nil, errors.WithMessage(err, "raise RTS")
	}
	p := &Port{port: sp}
	if err := p.SetMode(cfg.mode); err != nil {
		sp.Close()
		return nil, err
	}
	return p, nil
}

// SetMode reapplies the line discipline for the requested read mode.
//
// Blocking mode waits up to idleTimeout for the first byte (returning 0
// bytes if none arrives), then keeps reading until an inter-byte idle of
// idleTimeout has elapsed (or blockingReadCap bytes have accumulated).
// Polled mode returns immediately with whatever is available.
func (p *Port) SetMode(m Mode) error {
	var timeout time.Duration
	if m == Polled {
		timeout = 0
	} else {
		timeout = idleTimeout
	}
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return errors.WithMessage(err, "set read timeout")
	}
	p.mode = m
	return nil
}

// Mode returns the port's current read mode.
func (p *Port) Mode() Mode {
	return p.mode
}

// Read implements io.Reader.
//
// In Blocking mode a single call returns at most blockingReadCap bytes: one
// modem utterance (a RING tag, a caller-ID block, or a command response).
// In Polled mode a call returns immediately with 0..len(b) bytes.
func (p *Port) Read(b []byte) (int, error) {
	if p.mode != Blocking {
		return p.port.Read(b)
	}
	if len(b) > blockingReadCap {
		b = b[:blockingReadCap]
	}
	n, err := p.port.Read(b)
	// Keep reading until a read times out with nothing new (one inter-byte
	// idle of idleTimeout) or the buffer is full.
	for err == nil && n > 0 && n < len(b) {
		var m int
		m, err = p.port.Read(b[n:])
		if m == 0 {
			break
		}
		n += m
	}
	return n, err
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close implements io.Closer.
func (p *Port) Close() error {
	return p.port.Close()
}

// PulseDTR drops DTR and restores it after low has elapsed, defaulting to
// dtrPulseLow when low is zero. This is the only dependable way to return
// the modem to command mode after it has answered: the in-band +++ escape
// is not assumed to work on any modem this daemon targets.
func (p *Port) PulseDTR(low time.Duration) error {
	if low <= 0 {
		low = dtrPulseLow
	}
	if err := p.port.SetDTR(false); err != nil {
		return errors.WithMessage(err, "lower DTR")
	}
	time.Sleep(low)
	if err := p.port.SetDTR(true); err != nil {
		return errors.WithMessage(err, "raise DTR")
	}
	return nil
}

// ReadWriteModeCloser is the transport surface the rest of the daemon
// depends on; *Port satisfies it, as does FakePort in tests.
type ReadWriteModeCloser interface {
	io.ReadWriteCloser
	SetMode(Mode) error
	Mode() Mode
	PulseDTR(low time.Duration) error
}

var _ ReadWriteModeCloser = (*Port)(nil)
