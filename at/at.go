// Package at provides a low level driver for AT modems.
//
// Unlike a GSM data modem, the modem this daemon drives is never asked to
// juggle concurrent unsolicited result codes: all commands for a given call
// are strictly sequenced (spec.md §5), so the driver is a plain synchronous
// retry loop rather than a channel pipeline.
package at

import (
	"context"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// defaultRetries is the number of read attempts Send makes before giving up
// on seeing "OK" in a response.
const defaultRetries = 20

// Driver issues AT commands to a modem and interprets its responses.
type Driver struct {
	rw      io.ReadWriter
	retries int
	log     *log.Logger
}

// Option configures a Driver created by New.
type Option func(*Driver)

// WithRetries overrides the number of read attempts Send makes before
// failing a command.
func WithRetries(n int) Option {
	return func(d *Driver) {
		d.retries = n
	}
}

// WithLogger sets the logger used to report read failures during Send.
func WithLogger(l *log.Logger) Option {
	return func(d *Driver) {
		d.log = l
	}
}

// New creates a Driver that talks to the modem via rw.
//
// rw is expected to be in blocking read mode for the duration of any Send
// call; switching rw to polled mode is the caller's responsibility between
// calls (see the serial package).
func New(rw io.ReadWriter, opts ...Option) *Driver {
	d := &Driver{rw: rw, retries: defaultRetries, log: log.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send writes cmd to the modem and reads responses until a line containing
// "OK" is seen, or the retry budget is exhausted.
//
// cmd must include any trailing "\r" the modem expects; the driver does not
// add one, so the same call works for plain AT commands and for composite
// sequences.
func (d *Driver) Send(ctx context.Context, cmd string) error {
	if _, err := d.rw.Write([]byte(cmd)); err != nil {
		return errors.WithMessage(err, "write command")
	}
	buf := make([]byte, 256)
	for try := 0; try < d.retries; try++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := d.rw.Read(buf)
		if err != nil {
			return errors.WithMessage(err, "read response")
		}
		if n == 0 {
			continue
		}
		resp := string(buf[:n])
		if strings.Contains(resp, "OK") {
			return nil
		}
		if strings.Contains(resp, "ERROR") {
			d.log.Printf("at: %s returned ERROR", strings.TrimSpace(cmd))
		}
	}
	return errors.Errorf("at: %s: no OK after %d attempts", strings.TrimSpace(cmd), d.retries)
}

// SendBare writes cmd to the modem without waiting for, or reading, any
// response. It is used for the "+++" escape sequence and other commands
// where no reply is solicited or expected.
func (d *Driver) SendBare(cmd string) error {
	if _, err := d.rw.Write([]byte(cmd)); err != nil {
		return errors.WithMessage(err, "write bare command")
	}
	return nil
}

// VCIDCommand selects the modem command used to enable formatted caller-ID
// reporting; chipsets differ on this.
type VCIDCommand string

const (
	// VCIDStandard is "AT+VCID=1", the common command.
	VCIDStandard VCIDCommand = "+VCID=1\r"
	// VCIDRockwell is "AT#CID=1", used by some Rockwell/Conexant chipsets.
	VCIDRockwell VCIDCommand = "#CID=1\r"
)

// InitCallerID resets the modem and enables caller-ID reporting.
//
// Failure of either command is fatal to initialisation (spec.md §4.2): the
// modem is left in whatever state the failed command produced.
func (d *Driver) InitCallerID(ctx context.Context, vcid VCIDCommand) error {
	if err := d.Send(ctx, "ATZ\r"); err != nil {
		return errors.WithMessage(err, "reset modem")
	}
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := d.Send(ctx, "AT"+string(vcid)); err != nil {
		return errors.WithMessage(err, "enable caller-ID reporting")
	}
	return nil
}
