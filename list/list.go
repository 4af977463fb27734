// Package list implements the whitelist and blacklist file format: a
// line-oriented, fixed-column store read lazily, matched by substring, and
// updated in place without ever changing a line's length.
package list

import (
	"bufio"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ringfence/jcblock/callerid"
)

// Kind distinguishes a whitelist from a blacklist: the two share an entry
// format and scan algorithm but differ in how an I/O error is reported
// (spec.md §4.4, §7, §9).
type Kind int

const (
	// Whitelist matches bias toward accepting the call on I/O error.
	Whitelist Kind = iota
	// Blacklist matches bias toward NOT blocking the call on I/O error.
	Blacklist
)

func (k Kind) String() string {
	if k == Whitelist {
		return "whitelist"
	}
	return "blacklist"
}

// minRecordLength is the shortest line that can hold a match token and the
// last-match date field (spec.md §3 invariant (b)).
const minRecordLength = 26

// terminatorMaxOffset is the furthest byte offset at which the '?' token
// terminator may appear (spec.md §3 invariant (a)).
const terminatorMaxOffset = 18

// dateFieldOffset and dateFieldLen locate the six-digit MMDDYY last-match
// date within a list entry line.
const (
	dateFieldOffset = 19
	dateFieldLen    = 6
)

// appendEntryLen is the fixed, space-padded length of an entry synthesized
// by AppendEntry.
const appendEntryLen = 80

// appendTokenOffset, appendDateOffset and appendDescriptorOffset are the
// absolute byte offsets within a synthesized entry, including its leading
// '\n' (spec.md §4.4 "append_entry").
const (
	appendTokenOffset      = 1
	appendDateOffset       = 20
	appendDescriptorOffset = 34
)

// sourceDescriptor is written into every entry synthesized from a *-key
// detection.
const sourceDescriptor = "*-KEY ENTRY"

// cellPhonePrefix marks a generic carrier NAME label that would over-match
// all cell calls from the region; entries built from such a caller-ID use
// NMBR instead (spec.md §4.4).
const cellPhonePrefix = "Cell Phone"

var (
	// ErrNotRequired indicates the optional whitelist file could not be
	// opened (missing, unreadable, or any other open failure); the daemon
	// runs without a whitelist (spec.md §7).
	ErrNotRequired = errors.New("list: optional file not present")
	// ErrMustExist indicates a required list file (the blacklist) could not
	// be opened, for whatever reason; this is fatal to startup (spec.md §7).
	ErrMustExist = errors.New("list: required file does not exist")
	// ErrAppendNotSupported indicates AppendEntry was called on a Store
	// that is not a blacklist.
	ErrAppendNotSupported = errors.New("list: append_entry is blacklist-only")
)

// Store is a whitelist or blacklist file. It holds no open file handle
// between operations: every ScanAndTouch and AppendEntry call closes and
// reopens the file, both to observe edits made by a human operator while
// the daemon runs and to clear any stale write-position cache (spec.md
// §4.4, design note in spec.md §9).
type Store struct {
	path string
	kind Kind
	log  *log.Logger
}

// Option configures a Store created by Open.
type Option func(*Store)

// WithLogger sets the logger used to report malformed entries and I/O
// errors encountered while scanning.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open validates that path exists (as required for kind) and returns a
// Store bound to it. Open does not keep the file open; it is reopened on
// every subsequent operation.
func Open(path string, kind Kind, opts ...Option) (*Store, error) {
	s := &Store{path: path, kind: kind, log: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if kind == Whitelist {
			return nil, ErrNotRequired
		}
		return nil, errors.WithMessage(ErrMustExist, err.Error())
	}
	f.Close()
	return s, nil
}

// ScanResult is the outcome of a ScanAndTouch call.
type ScanResult struct {
	// Matched reports whether the caller-ID matched an entry, OR whether
	// an I/O error forced the kind-specific bias outcome (spec.md §9's
	// "return-value overload" note): check IOErr to tell the two apart.
	Matched bool
	// IOErr is non-nil when Matched reflects an I/O-error bias rather
	// than a genuine scan outcome.
	IOErr error
}

// bias is the Matched value ScanAndTouch returns when it cannot complete a
// scan due to an I/O error: true (accept the call) for the whitelist, false
// (also accept the call, by not blocking it) for the blacklist.
func (s *Store) bias() bool {
	return s.kind == Whitelist
}

// ScanAndTouch reopens the file, scans it for an entry whose match token is
// a substring of rec, and if found, rewrites that entry's last-match date
// in place without changing the line's length (spec.md §4.4).
func (s *Store) ScanAndTouch(rec callerid.Record) ScanResult {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		s.log.Printf("list: reopen %s failed: %v (treating as %s)", s.path, err, ioErrorOutcome(s.kind))
		return ScanResult{Matched: s.bias(), IOErr: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		line, rerr := r.ReadString('\n')
		lineStart := offset
		offset += int64(len(line))

		if len(line) == 0 {
			break
		}
		if shouldSkipLine(line) {
			if rerr != nil {
				break
			}
			continue
		}
		if len(line) < minRecordLength {
			s.log.Printf("list: %s: record too short to hold date field: %q", s.path, line)
			if rerr != nil {
				break
			}
			continue
		}
		qIdx := strings.IndexByte(line, '?')
		if qIdx == -1 || qIdx > terminatorMaxOffset {
			s.log.Printf("list: %s: terminator '?' missing or past offset %d: %q", s.path, terminatorMaxOffset, line)
			if rerr != nil {
				break
			}
			continue
		}
		token := line[:qIdx]
		if rec.Contains(token) {
			return s.touch(f, lineStart, line, rec)
		}
		if rerr != nil {
			break
		}
	}
	return ScanResult{Matched: false}
}

// touch overwrites the matching line's last-match date field in place.
func (s *Store) touch(f *os.File, lineStart int64, line string, rec callerid.Record) ScanResult {
	date, ok := rec.Date()
	if !ok {
		s.log.Printf("list: %s: matched entry but caller-ID has no DATE field", s.path)
		return ScanResult{Matched: s.bias(), IOErr: callerid.ErrNoDateField}
	}
	updated := []byte(line)
	copy(updated[dateFieldOffset:dateFieldOffset+dateFieldLen], date)
	if _, err := f.Seek(lineStart, io.SeekStart); err != nil {
		s.log.Printf("list: %s: seek to rewrite entry failed: %v", s.path, err)
		return ScanResult{Matched: s.bias(), IOErr: err}
	}
	if _, err := f.Write(updated); err != nil {
		s.log.Printf("list: %s: write updated entry failed: %v", s.path, err)
		return ScanResult{Matched: s.bias(), IOErr: err}
	}
	if err := f.Sync(); err != nil {
		s.log.Printf("list: %s: sync updated entry failed: %v", s.path, err)
		return ScanResult{Matched: s.bias(), IOErr: err}
	}
	return ScanResult{Matched: true}
}

// shouldSkipLine reports whether line is a comment or blank line, which are
// never treated as entries, rewritten, or counted (spec.md §3 invariant (c),
// (d); §8 "Comment and blank preservation").
func shouldSkipLine(line string) bool {
	return strings.HasPrefix(line, "#") || line == "\n"
}

func ioErrorOutcome(k Kind) string {
	if k == Whitelist {
		return "match (accept the call)"
	}
	return "no-match (accept the call)"
}

// AppendEntry synthesizes a new blacklist entry from rec and appends it,
// maintaining exactly one newline between records regardless of whether
// the file already ends in zero, one, or more trailing newlines (spec.md
// §4.4 "append_entry", §8 "Append newline-idempotence"). It is only valid
// on a blacklist Store.
func (s *Store) AppendEntry(rec callerid.Record) error {
	if s.kind != Blacklist {
		return ErrAppendNotSupported
	}
	token, ok := matchToken(rec)
	if !ok {
		return errors.New("list: caller-ID has neither NAME nor NMBR to build an entry from")
	}
	date, ok := rec.Date()
	if !ok {
		return callerid.ErrNoDateField
	}

	entry := make([]byte, appendEntryLen)
	for i := range entry {
		entry[i] = ' '
	}
	entry[0] = '\n'
	copy(entry[appendTokenOffset:], token)
	entry[appendTokenOffset+len(token)] = '?'
	copy(entry[appendDateOffset:appendDateOffset+dateFieldLen], date)
	copy(entry[appendDescriptorOffset:], sourceDescriptor)

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return errors.WithMessage(err, "list: reopen for append")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.WithMessage(err, "list: stat before append")
	}
	writePos := info.Size()
	for writePos > 0 {
		var last [1]byte
		if _, err := f.ReadAt(last[:], writePos-1); err != nil {
			return errors.WithMessage(err, "list: read trailing byte before append")
		}
		if last[0] != '\n' {
			break
		}
		writePos--
	}
	if _, err := f.WriteAt(entry, writePos); err != nil {
		return errors.WithMessage(err, "list: write appended entry")
	}
	if err := f.Sync(); err != nil {
		return errors.WithMessage(err, "list: sync appended entry")
	}
	return nil
}

// matchToken returns the text used as the new entry's match token: the
// NAME field, unless it begins with the generic "Cell Phone" carrier label,
// in which case NMBR is used instead (spec.md §4.4, §8 "Cell Phone guard").
func matchToken(rec callerid.Record) (string, bool) {
	name, nameOK := rec.Name()
	if nameOK && !strings.HasPrefix(name, cellPhonePrefix) {
		return name, true
	}
	if nmbr, ok := rec.Number(); ok {
		return nmbr, true
	}
	if nameOK {
		return name, true
	}
	return "", false
}
