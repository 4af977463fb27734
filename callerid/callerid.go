// Package callerid normalizes the raw bytes of one modem caller-ID utterance
// into a fixed-layout record usable by the list store and call log.
package callerid

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors returned by Normalize. ErrRing and ErrEcho indicate the
// utterance was not a caller-ID record at all and should simply be
// discarded; ErrNoDateField indicates a caller-ID record was received but
// is missing the field the list store and call log need to stamp a date,
// which per spec.md §7 aborts only this call's list update, not the run.
var (
	ErrRing         = errors.New("callerid: utterance is a RING indicator")
	ErrEcho         = errors.New("callerid: utterance is an echoed command")
	ErrNoDateField  = errors.New("callerid: no DATE field present")
	ErrMalformedDay = errors.New("callerid: DATE field is not four digits")
)

// equalsSpacing matches an '=' surrounded by any amount (including zero) of
// whitespace, so it can be rewritten with exactly one space on each side.
var equalsSpacing = regexp.MustCompile(`\s*=\s*`)

// Record is a single normalized caller-ID line: an ordered sequence of
// "TAG = VALUE" fields, in the order the modem emitted them, joined by '-'
// where the modem's own line breaks were flattened, and terminated by '\n'.
type Record struct {
	line string
}

// String returns the normalized record, including its trailing newline.
func (r Record) String() string {
	return r.line
}

// Contains reports whether token appears anywhere in the record, which is
// the match semantics used by the list store (spec.md §4.4).
func (r Record) Contains(token string) bool {
	return strings.Contains(r.line, token)
}

// Field returns the value of the named tag (e.g. "NAME", "NMBR"), and
// whether the tag was present. The value runs from just after "TAG = " to
// the next '-' (a flattened line break) or the end of the record; any
// trailing spaces the modem padded the value with are kept.
func (r Record) Field(tag string) (string, bool) {
	marker := tag + " = "
	idx := strings.Index(r.line, marker)
	if idx == -1 {
		return "", false
	}
	start := idx + len(marker)
	end := strings.IndexByte(r.line[start:], '-')
	if end == -1 {
		end = strings.IndexByte(r.line[start:], '\n')
	}
	if end == -1 {
		return r.line[start:], true
	}
	return r.line[start : start+end], true
}

// Date returns the six-digit MMDDYY date used by the list store to stamp a
// matching entry's last-match field, and whether it was present.
func (r Record) Date() (string, bool) {
	return r.Field("DATE")
}

// Number returns the NMBR field, and whether it was present.
func (r Record) Number() (string, bool) {
	return r.Field("NMBR")
}

// Name returns the NAME field, and whether it was present.
func (r Record) Name() (string, bool) {
	return r.Field("NAME")
}

// flatten replaces every '\n' and '\r' in raw with '-' and appends a
// trailing '\n', per spec.md §4.3 step 1. Input that is already one
// normalized line (no '\r', and its only '\n' at the very end) is returned
// unchanged, so a record is never flattened twice.
func flatten(raw []byte) string {
	if n := len(raw); n > 0 && raw[n-1] == '\n' && !strings.ContainsAny(string(raw[:n-1]), "\r\n") {
		return string(raw)
	}
	b := make([]byte, len(raw))
	for i, c := range raw {
		if c == '\n' || c == '\r' {
			b[i] = '-'
		} else {
			b[i] = c
		}
	}
	return string(b) + "\n"
}

// Normalize converts the raw bytes of one blocking-mode modem read into a
// normalized caller-ID Record.
//
// echoCmd is the exact AT command most recently sent to enable caller-ID
// reporting (e.g. "AT+VCID=1\r"); any trailing "\r"/"\n" is stripped before
// comparison, since s has already been through flatten and so never
// contains one. An utterance that echoes it is discarded rather than
// treated as a record (spec.md §4.3 step 3, §9's note on comparing the
// exact sent command).
// now supplies the host clock reading used for the inserted year; the
// caller, not Normalize, is responsible for using the real wall clock so
// that normalization stays deterministic and testable.
func Normalize(raw []byte, now time.Time, echoCmd string) (Record, error) {
	s := flatten(raw)
	if strings.Contains(s, "RING") {
		return Record{}, ErrRing
	}
	trimmedEcho := strings.TrimRight(echoCmd, "\r\n")
	if trimmedEcho != "" && strings.HasPrefix(s, trimmedEcho) {
		return Record{}, ErrEcho
	}
	s = equalsSpacing.ReplaceAllString(s, " = ")
	s, err := insertYear(s, now)
	if err != nil {
		return Record{line: s}, err
	}
	return Record{line: s}, nil
}

// insertYear locates the DATE field's MMDD value and inserts the two-digit
// current year immediately after it, shifting the remainder of the record
// right by two bytes. If the value already carries six digits the record is
// already normalized and is returned unchanged, which is what makes
// Normalize idempotent on its own output.
func insertYear(s string, now time.Time) (string, error) {
	const marker = "DATE = "
	idx := strings.Index(s, marker)
	if idx == -1 {
		return s, ErrNoDateField
	}
	start := idx + len(marker)
	digits := 0
	for start+digits < len(s) && s[start+digits] >= '0' && s[start+digits] <= '9' {
		digits++
	}
	switch digits {
	case 6:
		// Already normalized.
		return s, nil
	case 4:
		year := yearSuffix(now)
		return s[:start+4] + year + s[start+4:], nil
	default:
		return s, ErrMalformedDay
	}
}

// yearSuffix renders the two-digit, zero-padded years-since-2000 value used
// by the DATE field. Dates before 2000 or after 2099 are out of scope
// (spec.md §9).
func yearSuffix(now time.Time) string {
	yy := now.Year() - 2000
	if yy < 0 {
		yy += 100
	}
	yy %= 100
	const digits = "0123456789"
	return string([]byte{digits[yy/10], digits[yy%10]})
}
