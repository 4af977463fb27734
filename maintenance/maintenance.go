// Package maintenance implements the periodic list-truncation collaborator
// the call state machine invokes after every blacklist match (spec.md
// §4.4 "maintenance_sweep", §4.6 step 5).
package maintenance

import (
	"bufio"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Hook is called by the call state machine after a blacklist match; it
// decides on its own schedule whether to act. The state machine never
// performs the sweep itself (spec.md §4.4).
type Hook interface {
	MaybeRun(now time.Time)
}

// minRunInterval is the minimum elapsed wall time since the last run
// before AgeTruncator will act again (spec.md §4.4: "≥30 days").
const minRunInterval = 30 * 24 * time.Hour

// NineMonths and TwelveMonths are the two per-record age thresholds
// observed across deployed variants (spec.md §4.4).
const (
	NineMonths   = 9 * 30 * 24 * time.Hour
	TwelveMonths = 12 * 30 * 24 * time.Hour
)

// AgeTruncator removes blacklist entries whose last-match date is older
// than MaxAge, no more often than once per minRunInterval.
type AgeTruncator struct {
	path    string
	maxAge  time.Duration
	lastRun time.Time
	log     *log.Logger
}

// Option configures an AgeTruncator created by NewAgeTruncator.
type Option func(*AgeTruncator)

// WithMaxAge overrides the per-record age threshold. The default is
// NineMonths.
func WithMaxAge(d time.Duration) Option {
	return func(a *AgeTruncator) {
		a.maxAge = d
	}
}

// WithLogger sets the logger used to report truncation activity.
func WithLogger(l *log.Logger) Option {
	return func(a *AgeTruncator) {
		a.log = l
	}
}

// NewAgeTruncator creates a Hook that truncates stale entries from the
// blacklist at path.
func NewAgeTruncator(path string, opts ...Option) *AgeTruncator {
	a := &AgeTruncator{path: path, maxAge: NineMonths, log: log.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaybeRun implements Hook. It is a no-op unless at least minRunInterval
// has elapsed since the previous run.
func (a *AgeTruncator) MaybeRun(now time.Time) {
	if !a.lastRun.IsZero() && now.Sub(a.lastRun) < minRunInterval {
		return
	}
	a.lastRun = now
	if err := a.sweep(now); err != nil {
		a.log.Printf("maintenance: truncation sweep failed: %v", err)
	}
}

// sweep rewrites the blacklist, dropping every entry whose last-match
// date is older than a.maxAge, preserving comments, blank lines, and
// entries whose date cannot be parsed (left alone rather than guessed at).
func (a *AgeTruncator) sweep(now time.Time) error {
	in, err := os.Open(a.path)
	if err != nil {
		return errors.WithMessage(err, "maintenance: open blacklist")
	}
	defer in.Close()

	tmpPath := a.path + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithMessage(err, "maintenance: create scratch file")
	}

	kept := 0
	dropped := 0
	r := bufio.NewReader(in)
	for {
		line, rerr := r.ReadString('\n')
		if len(line) > 0 {
			if a.shouldDrop(line, now) {
				dropped++
			} else {
				kept++
				if _, werr := out.WriteString(line); werr != nil {
					out.Close()
					os.Remove(tmpPath)
					return errors.WithMessage(werr, "maintenance: write scratch file")
				}
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				out.Close()
				os.Remove(tmpPath)
				return errors.WithMessage(rerr, "maintenance: read blacklist")
			}
			break
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return errors.WithMessage(err, "maintenance: sync scratch file")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.WithMessage(err, "maintenance: close scratch file")
	}
	if err := os.Rename(tmpPath, a.path); err != nil {
		return errors.WithMessage(err, "maintenance: replace blacklist")
	}
	a.log.Printf("maintenance: truncation sweep kept %d entries, dropped %d", kept, dropped)
	return nil
}

// shouldDrop reports whether line is an expired entry: not a comment or
// blank line, long enough to carry a date field, and whose date parses and
// is older than a.maxAge. Anything else is kept untouched.
func (a *AgeTruncator) shouldDrop(line string, now time.Time) bool {
	const dateFieldOffset = 19
	const dateFieldLen = 6
	if len(line) < dateFieldOffset+dateFieldLen {
		return false
	}
	if line[0] == '#' || line == "\n" {
		return false
	}
	date, ok := parseListDate(line[dateFieldOffset : dateFieldOffset+dateFieldLen])
	if !ok {
		return false
	}
	return now.Sub(date) > a.maxAge
}

// parseListDate parses a six-digit MMDDYY field, anchoring the two-digit
// year at 2000 to match callerid.yearSuffix's convention rather than
// Go's time.Parse "06" pivot-year rule, which would misread years in the
// upper half of the century (e.g. 99) as 1999.
func parseListDate(field string) (time.Time, bool) {
	if len(field) != 6 {
		return time.Time{}, false
	}
	for _, c := range field {
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
	}
	mm := int(field[0]-'0')*10 + int(field[1]-'0')
	dd := int(field[2]-'0')*10 + int(field[3]-'0')
	yy := int(field[4]-'0')*10 + int(field[5]-'0')
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return time.Time{}, false
	}
	return time.Date(2000+yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC), true
}

var _ Hook = (*AgeTruncator)(nil)
