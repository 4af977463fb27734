// jcblock blocks unwanted inbound calls on an analog line through a
// caller-ID capable voice modem: it normalizes each caller-ID utterance,
// checks it against a whitelist and blacklist, disconnects blacklisted
// calls, and optionally opens a DTMF window so a human can add the current
// caller to the blacklist by pressing '*'.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/ringfence/jcblock/at"
	"github.com/ringfence/jcblock/callmgr"
	"github.com/ringfence/jcblock/dtmf"
	"github.com/ringfence/jcblock/list"
	"github.com/ringfence/jcblock/maintenance"
	"github.com/ringfence/jcblock/serial"
	"github.com/ringfence/jcblock/trace"
)

// options are the CLI flags, parsed with go-flags the way jaracil-vmodem's
// cmd/vmodem does.
type options struct {
	Port          string        `short:"p" long:"port" description:"path to the modem's serial device" default:"/dev/ttyUSB0"`
	Baud          int           `short:"b" long:"baud" description:"modem baud rate" default:"1200"`
	Rockwell      bool          `long:"rockwell" description:"use AT#CID=1 instead of AT+VCID=1 to enable caller-ID reporting"`
	CallLog       string        `long:"call-log" description:"path to the call log" default:"callerID.dat"`
	Whitelist     string        `long:"whitelist" description:"path to the whitelist" default:"whitelist.dat"`
	Blacklist     string        `long:"blacklist" description:"path to the blacklist" default:"blacklist.dat"`
	MaxAge        time.Duration `long:"max-age" description:"blacklist entries older than this are truncated" default:"6480h"`
	AMSSharesLine bool          `long:"ams-shares-line" description:"restrict the *-key window to the third ring, for lines where an answering machine shares the circuit"`
	DTMFDevice    string        `long:"dtmf-device" description:"raw PCM capture device for *-key detection; omit to disable DTMF entirely"`
	DTMFStereo    bool          `long:"dtmf-16bit-stereo" description:"capture device yields 16-bit signed LE stereo frames instead of 8-bit signed mono"`
	Verbose       bool          `short:"v" long:"verbose" description:"log every byte written to and read from the modem"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "jcblock: ", log.LstdFlags)

	blacklist, err := list.Open(opts.Blacklist, list.Blacklist, list.WithLogger(logger))
	if err != nil {
		logger.Fatalf("blacklist required but unavailable: %v", err)
	}

	var whitelist *list.Store
	w, err := list.Open(opts.Whitelist, list.Whitelist, list.WithLogger(logger))
	switch {
	case err == nil:
		whitelist = w
	case errors.Is(err, list.ErrNotRequired):
		logger.Printf("no whitelist at %s, running without one", opts.Whitelist)
	default:
		logger.Fatalf("whitelist present but unreadable: %v", err)
	}

	port, err := serial.Open(opts.Port, serial.WithBaud(opts.Baud))
	if err != nil {
		logger.Fatalf("opening modem at %s: %v", opts.Port, err)
	}
	defer port.Close()

	var transport callmgr.Transport = port
	if opts.Verbose {
		transport = traceTransport{Trace: trace.New(port, logger), port: port}
	}

	vcid := at.VCIDStandard
	if opts.Rockwell {
		vcid = at.VCIDRockwell
	}

	driver := at.New(transport, at.WithLogger(logger))

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = driver.InitCallerID(initCtx, vcid)
	initCancel()
	if err != nil {
		logger.Fatalf("modem initialization failed: %v", err)
	}

	engineOpts := []callmgr.Option{
		callmgr.WithLogger(logger),
		callmgr.WithMaintenanceHook(maintenance.NewAgeTruncator(opts.Blacklist,
			maintenance.WithMaxAge(opts.MaxAge),
			maintenance.WithLogger(logger),
		)),
		callmgr.WithAnsweringMachineSharesLine(opts.AMSSharesLine),
	}
	if whitelist != nil {
		engineOpts = append(engineOpts, callmgr.WithWhitelist(whitelist))
	}
	if opts.DTMFDevice != "" {
		detector, err := openDTMFDetector(opts.DTMFDevice, opts.DTMFStereo)
		if err != nil {
			logger.Fatalf("opening DTMF capture device %s: %v", opts.DTMFDevice, err)
		}
		engineOpts = append(engineOpts, callmgr.WithDTMFDetector(detector))
	}

	engine := callmgr.New(transport, driver, opts.CallLog, blacklist, vcid, engineOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("received %v, shutting down", sig)
			cancel()
			// Run checks ctx between calls to Step, but a Step already
			// blocked inside a modem read (cable unplugged, modem wedged)
			// won't notice cancellation until that read returns. Escalate
			// to killing our own process group only if Run is still stuck
			// there once the grace period elapses; once Run actually
			// returns, done is closed and this never fires, regardless of
			// how long the post-Run ATZ reset below takes.
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				syscall.Kill(0, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	runErr := engine.Run(ctx)
	close(done)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Printf("engine stopped: %v", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := driver.Send(shutdownCtx, "ATZ\r"); err != nil {
		logger.Printf("reset on shutdown failed: %v", err)
	}
	shutdownCancel()
}

// traceTransport layers trace.Trace's read/write logging over a *serial.Port
// while still exposing the SetMode/Mode/PulseDTR methods callmgr.Transport
// requires, which trace.Trace itself has no notion of.
type traceTransport struct {
	*trace.Trace
	port *serial.Port
}

func (t traceTransport) Close() error {
	return t.port.Close()
}

func (t traceTransport) SetMode(m serial.Mode) error {
	return t.port.SetMode(m)
}

func (t traceTransport) Mode() serial.Mode {
	return t.port.Mode()
}

func (t traceTransport) PulseDTR(low time.Duration) error {
	return t.port.PulseDTR(low)
}

var _ callmgr.Transport = traceTransport{}

// openDTMFDetector opens path as a raw PCM capture stream and wraps it in
// the Source format the flags select, tuned to the '*'-key tone pair: 16-bit
// stereo capture uses ProfileV3 with ConsecutiveHit detection, 8-bit mono
// capture uses ProfileV2B with BeepPair detection (which also recognizes a
// held key press).
func openDTMFDetector(path string, stereo16 bool) (*dtmf.Detector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	if stereo16 {
		src := dtmf.NewSixteenBitStereoSource(f)
		return dtmf.New(src, dtmf.ProfileV3, dtmf.WithMode(dtmf.ConsecutiveHit)), nil
	}
	src := dtmf.NewEightBitMonoSource(f)
	return dtmf.New(src, dtmf.ProfileV2B, dtmf.WithMode(dtmf.BeepPair)), nil
}
