// Package callmgr implements the single-threaded cooperative call state
// machine that ties the modem transport, AT driver, caller-ID parser, list
// stores, DTMF detector and maintenance hook together into one daemon loop
// (spec.md §4.6, §5).
package callmgr

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/ringfence/jcblock/at"
	"github.com/ringfence/jcblock/callerid"
	"github.com/ringfence/jcblock/dtmf"
	"github.com/ringfence/jcblock/list"
	"github.com/ringfence/jcblock/maintenance"
	"github.com/ringfence/jcblock/serial"
)

// Timing constants from spec.md §4.6 and §5.
const (
	ringPollWindow  = 7 * time.Second
	ringPollPace    = 100 * time.Millisecond
	dtmfWindow      = 10 * time.Second
	postPulseGap    = 300 * time.Millisecond
	postOffHookGap  = time.Second
	postHangupGap   = time.Second
	ringCountForAMS = 3
)

// Transport is the subset of serial.Port the state machine drives.
type Transport = serial.ReadWriteModeCloser

// Engine runs the call state machine over one modem line.
type Engine struct {
	transport     Transport
	at            *at.Driver
	callLogPath   string
	whitelist     *list.Store
	blacklist     *list.Store
	detector      *dtmf.Detector
	maintenance   maintenance.Hook
	vcid          at.VCIDCommand
	amsSharesLine bool
	now           func() time.Time
	log           *log.Logger
}

// Option configures an Engine created by New.
type Option func(*Engine)

// WithWhitelist attaches an optional whitelist; whitelist matches win over
// the blacklist and are checked first (spec.md §4.6 step 4, §8 "Whitelist
// precedence").
func WithWhitelist(s *list.Store) Option {
	return func(e *Engine) {
		e.whitelist = s
	}
}

// WithDTMFDetector enables the *-key acceptance window. Without this
// option the engine skips straight from an unmatched call back to IDLE,
// matching spec.md's "if DTMF is compiled in" conditional.
func WithDTMFDetector(d *dtmf.Detector) Option {
	return func(e *Engine) {
		e.detector = d
	}
}

// WithMaintenanceHook attaches the collaborator invoked after every
// blacklist match (spec.md §4.4, §4.6 step 5).
func WithMaintenanceHook(h maintenance.Hook) Option {
	return func(e *Engine) {
		e.maintenance = h
	}
}

// WithAnsweringMachineSharesLine restricts the DTMF window to ring count
// == 3, so it never competes with a machine that would otherwise pick up
// on a later ring (spec.md §4.6 step 6.4).
func WithAnsweringMachineSharesLine(shares bool) Option {
	return func(e *Engine) {
		e.amsSharesLine = shares
	}
}

// WithClock overrides the clock used for caller-ID year insertion and
// window timing, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger used for non-fatal per-call errors.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine. blacklist is required; it is the only list the
// state machine treats as mandatory (spec.md §7).
func New(transport Transport, driver *at.Driver, callLogPath string, blacklist *list.Store, vcid at.VCIDCommand, opts ...Option) *Engine {
	e := &Engine{
		transport:   transport,
		at:          driver,
		callLogPath: callLogPath,
		blacklist:   blacklist,
		vcid:        vcid,
		now:         time.Now,
		log:         log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the state machine until ctx is cancelled. Every iteration
// processes exactly one call and returns to IDLE (spec.md §4.6); any error
// from an iteration other than ctx cancellation is logged and the loop
// continues.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			e.log.Printf("callmgr: call handling error: %v", err)
		}
	}
}

// Step runs one IDLE -> ... -> IDLE cycle and returns. Run calls it in a
// loop; callers that want to drive the state machine one call at a time
// (tests, or a host process handling its own shutdown signal) can call it
// directly instead.
func (e *Engine) Step(ctx context.Context) error {
	if err := e.transport.SetMode(serial.Blocking); err != nil {
		return errors.WithMessage(err, "callmgr: enter blocking mode")
	}

	raw, err := e.readUtterance()
	if err != nil {
		e.log.Printf("callmgr: read failed, continuing: %v", err)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	rec, err := callerid.Normalize(raw, e.now(), "AT"+string(e.vcid))
	if errors.Is(err, callerid.ErrRing) || errors.Is(err, callerid.ErrEcho) {
		return nil
	}
	parseErr := err
	if parseErr != nil {
		e.log.Printf("callmgr: caller-ID parse failed, call not added to any list: %v", parseErr)
	}

	// The utterance is logged even when parsing only partly succeeded
	// (missing or malformed DATE field): spec.md scopes the abort to the
	// list update, not the call-log write.
	if err := e.appendCallLog(rec); err != nil {
		e.log.Printf("callmgr: call log append failed: %v", err)
	}
	if parseErr != nil {
		return nil
	}

	if e.whitelist != nil {
		if res := e.whitelist.ScanAndTouch(rec); res.Matched {
			return nil
		}
	}

	if res := e.blacklist.ScanAndTouch(rec); res.Matched {
		if err := e.disconnect(ctx); err != nil {
			e.log.Printf("callmgr: disconnect sequence aborted: %v", err)
		}
		if e.maintenance != nil {
			e.maintenance.MaybeRun(e.now())
		}
		return nil
	}

	if e.detector != nil {
		e.waitForUser(ctx, rec)
	}
	return nil
}

// readUtterance reads one blocking-mode utterance from the transport.
func (e *Engine) readUtterance() ([]byte, error) {
	buf := make([]byte, 256)
	n, err := e.transport.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// appendCallLog appends rec to the call log, reopening the file first to
// pick up any external edits (spec.md §4.6 step 3).
func (e *Engine) appendCallLog(rec callerid.Record) error {
	f, err := os.OpenFile(e.callLogPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.WithMessage(err, "open call log")
	}
	defer f.Close()
	if _, err := f.WriteString(rec.String()); err != nil {
		return errors.WithMessage(err, "write call log")
	}
	return f.Sync()
}

// disconnect runs the blacklist-match disconnect sequence (spec.md §4.6
// "Disconnect sequence"). Any send failure aborts the sequence and returns
// to IDLE without panicking; the call is simply not blocked this time.
func (e *Engine) disconnect(ctx context.Context) error {
	if err := e.transport.PulseDTR(postPulseGap); err != nil {
		return errors.WithMessage(err, "pulse DTR out of data mode")
	}
	if err := sleepCtx(ctx, postPulseGap); err != nil {
		return err
	}
	if err := e.at.SendBare("ATH1\r"); err != nil {
		return errors.WithMessage(err, "take line off-hook")
	}
	if err := sleepCtx(ctx, postOffHookGap); err != nil {
		return err
	}
	if err := e.at.SendBare("ATH0\r"); err != nil {
		return errors.WithMessage(err, "hang up")
	}
	if err := sleepCtx(ctx, postHangupGap); err != nil {
		return err
	}
	if err := e.transport.PulseDTR(postPulseGap); err != nil {
		return errors.WithMessage(err, "pulse DTR to prepare for next call")
	}
	if err := e.at.InitCallerID(ctx, e.vcid); err != nil {
		return errors.WithMessage(err, "re-enable caller-ID reporting")
	}
	return nil
}

// waitForUser implements the WAITING_FOR_USER state: ring-count polling
// followed by the DTMF acceptance window (spec.md §4.6 step 6). Errors are
// logged, not propagated: a failure here never blocks the next call.
func (e *Engine) waitForUser(ctx context.Context, rec callerid.Record) {
	ringCount, err := e.pollRings(ctx)
	if err != nil {
		e.log.Printf("callmgr: ring polling failed: %v", err)
		return
	}
	if e.amsSharesLine && ringCount != ringCountForAMS {
		return
	}
	if err := e.openDTMFWindow(); err != nil {
		e.log.Printf("callmgr: failed to open DTMF window: %v", err)
		return
	}
	pressed := e.pollDTMFWindow(ctx)
	if pressed {
		if err := e.blacklist.AppendEntry(rec); err != nil {
			e.log.Printf("callmgr: *-key auto-entry failed: %v", err)
		}
	}
	if err := e.closeDTMFWindow(ctx); err != nil {
		e.log.Printf("callmgr: failed to close DTMF window: %v", err)
	}
}

// pollRings switches to polled mode and counts 'R' (RING) bytes until
// ringPollWindow elapses since the last one seen.
func (e *Engine) pollRings(ctx context.Context) (int, error) {
	if err := e.transport.SetMode(serial.Polled); err != nil {
		return 0, errors.WithMessage(err, "enter polled mode")
	}
	defer func() {
		if err := e.transport.SetMode(serial.Blocking); err != nil {
			e.log.Printf("callmgr: failed to restore blocking mode: %v", err)
		}
	}()

	ringCount := 1
	lastRing := e.now()
	buf := make([]byte, 1)
	for e.now().Sub(lastRing) < ringPollWindow {
		select {
		case <-ctx.Done():
			return ringCount, ctx.Err()
		default:
		}
		n, _ := e.transport.Read(buf)
		if n > 0 && buf[0] == 'R' {
			ringCount++
			lastRing = e.now()
		}
		if err := sleepCtx(ctx, ringPollPace); err != nil {
			return ringCount, err
		}
	}
	return ringCount, nil
}

// openDTMFWindow produces the three audible clicks that cue the user to
// press '*' (spec.md §4.6 step 6.5).
func (e *Engine) openDTMFWindow() error {
	for _, cmd := range []string{"ATH1\r", "ATH0\r", "ATH1\r"} {
		if err := e.at.SendBare(cmd); err != nil {
			return errors.WithMessage(err, "click sequence")
		}
	}
	return nil
}

// pollDTMFWindow polls the detector for up to dtmfWindow and reports
// whether a key press was recognized.
func (e *Engine) pollDTMFWindow(ctx context.Context) bool {
	deadline := e.now().Add(dtmfWindow)
	for e.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		pressed, err := e.detector.Step()
		if err != nil {
			e.log.Printf("callmgr: DTMF source error: %v", err)
			continue
		}
		if pressed {
			return true
		}
	}
	return false
}

// closeDTMFWindow re-issues ATZ and the caller-ID-enable command, which
// produces two more clicks as the end-of-window cue (spec.md §4.6 step
// 6.7).
func (e *Engine) closeDTMFWindow(ctx context.Context) error {
	return e.at.InitCallerID(ctx, e.vcid)
}

// sleepCtx sleeps for d or returns ctx.Err() if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
