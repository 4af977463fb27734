package list_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringfence/jcblock/callerid"
	"github.com/ringfence/jcblock/list"
)

// buildEntry lays out one list entry with token at offset 0, date at the
// fixed offset 19 ScanAndTouch reads and rewrites, and the *-KEY ENTRY
// descriptor starting at offset 34, regardless of token length.
func buildEntry(token, date string) string {
	const dateOffset = 19
	const descriptorOffset = 34
	line := make([]byte, descriptorOffset+len("*-KEY ENTRY")+1)
	for i := range line {
		line[i] = ' '
	}
	copy(line, token)
	line[len(token)] = '?'
	copy(line[dateOffset:], date)
	copy(line[descriptorOffset:], "*-KEY ENTRY")
	line[len(line)-1] = '\n'
	return string(line)
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "entries.dat")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func rec(t *testing.T, raw string) callerid.Record {
	t.Helper()
	r, err := callerid.Normalize([]byte(raw), time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC), "")
	require.NoError(t, err)
	return r
}

func TestOpenMissingBlacklistIsFatal(t *testing.T) {
	_, err := list.Open(filepath.Join(t.TempDir(), "missing.dat"), list.Blacklist)
	assert.ErrorIs(t, err, list.ErrMustExist)
}

func TestOpenMissingWhitelistIsOptional(t *testing.T) {
	_, err := list.Open(filepath.Join(t.TempDir(), "missing.dat"), list.Whitelist)
	assert.ErrorIs(t, err, list.ErrNotRequired)
}

func TestScanAndTouchMatchesSubstringToken(t *testing.T) {
	path := writeFile(t, buildEntry("5551234", "010100"))
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\rNAME = FRIEND\r")
	res := s.ScanAndTouch(r)
	assert.True(t, res.Matched)
	assert.NoError(t, res.IOErr)

	updated, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "011515", string(updated[19:25]))
}

func TestScanAndTouchNoMatchLeavesFileUnchanged(t *testing.T) {
	path := writeFile(t, buildEntry("5559999", "010100"))
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\r")
	res := s.ScanAndTouch(r)
	assert.False(t, res.Matched)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScanAndTouchSkipsCommentsAndBlankLines(t *testing.T) {
	path := writeFile(t, "# comment line not a real entry\n\n"+buildEntry("5551234", "010100"))
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\r")
	res := s.ScanAndTouch(r)
	assert.True(t, res.Matched)
}

func TestScanAndTouchSkipsShortAndMalformedLines(t *testing.T) {
	path := writeFile(t, "tooshort\n5551234NOMARK                  \n"+buildEntry("5551234", "010100"))
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\r")
	res := s.ScanAndTouch(r)
	assert.True(t, res.Matched)
}

func TestScanAndTouchIOErrorBiasWhitelistAccepts(t *testing.T) {
	path := writeFile(t, buildEntry("5551234", "010100"))
	s, err := list.Open(path, list.Whitelist)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	r := rec(t, "DATE = 0115\rNMBR = 5551234\r")
	res := s.ScanAndTouch(r)
	assert.True(t, res.Matched)
	assert.Error(t, res.IOErr)
}

func TestScanAndTouchIOErrorBiasBlacklistDoesNotBlock(t *testing.T) {
	path := writeFile(t, buildEntry("5551234", "010100"))
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	r := rec(t, "DATE = 0115\rNMBR = 5551234\r")
	res := s.ScanAndTouch(r)
	assert.False(t, res.Matched)
	assert.Error(t, res.IOErr)
}

func TestAppendEntryOnlyValidForBlacklist(t *testing.T) {
	path := writeFile(t, "")
	s, err := list.Open(path, list.Whitelist)
	require.NoError(t, err)
	r := rec(t, "DATE = 0115\rNMBR = 5551234\rNAME = FRIEND\r")
	err = s.AppendEntry(r)
	assert.ErrorIs(t, err, list.ErrAppendNotSupported)
}

func TestAppendEntryUsesNameToken(t *testing.T) {
	path := writeFile(t, "")
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\rNAME = ROBOCALLER\r")
	require.NoError(t, s.AppendEntry(r))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, contents, 80)
	assert.Equal(t, byte('\n'), contents[0])
	assert.Contains(t, string(contents), "ROBOCALLER?")
	assert.Equal(t, "011515", string(contents[20:26]))
	assert.Contains(t, string(contents), "*-KEY ENTRY")
}

func TestAppendEntryFallsBackToNumberForCellPhoneName(t *testing.T) {
	path := writeFile(t, "")
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\rNAME = Cell Phone\r")
	require.NoError(t, s.AppendEntry(r))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "5551234?")
}

func TestAppendEntryOverwritesSingleTrailingNewline(t *testing.T) {
	path := writeFile(t, buildEntry("5559999", "010100"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\rNAME = ROBOCALLER\r")
	require.NoError(t, s.AppendEntry(r))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, after, len(before)-1+80)
}

func TestAppendEntryAtEOFWhenNoTrailingNewline(t *testing.T) {
	entry := buildEntry("5559999", "010100")
	entry = entry[:len(entry)-1] // strip the trailing newline buildEntry adds
	path := writeFile(t, entry)
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	s, err := list.Open(path, list.Blacklist)
	require.NoError(t, err)

	r := rec(t, "DATE = 0115\rNMBR = 5551234\rNAME = ROBOCALLER\r")
	require.NoError(t, s.AppendEntry(r))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+80)
}
