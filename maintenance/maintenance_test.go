package maintenance_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringfence/jcblock/maintenance"
)

// buildEntry lays out a list entry with token at offset 0, date at the
// fixed offset 19 the list package also uses, and the *-KEY ENTRY
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

func writeBlacklist(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blacklist.dat")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestMaybeRunSkipsBeforeMinInterval(t *testing.T) {
	// 2025-04-06 is exactly NineMonths (270 days) before now, so the first
	// sweep keeps the entry; an hour later it would be dropped if a second
	// sweep were allowed to run.
	path := writeBlacklist(t, buildEntry("STALE", "040625"))
	a := maintenance.NewAgeTruncator(path)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	a.MaybeRun(now)
	a.MaybeRun(now.Add(time.Hour))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "STALE")
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	path := writeBlacklist(t, buildEntry("STALE", "010100")+buildEntry("FRESH", "120125"))
	a := maintenance.NewAgeTruncator(path, maintenance.WithMaxAge(maintenance.NineMonths))
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	a.MaybeRun(now)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "STALE")
	assert.Contains(t, string(contents), "FRESH")
}

func TestSweepPreservesCommentsAndBlankLines(t *testing.T) {
	path := writeBlacklist(t, "# a comment\n\n"+buildEntry("STALE", "010100"))
	a := maintenance.NewAgeTruncator(path)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	a.MaybeRun(now)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "# a comment")
}

func TestSweepRunsAgainAfterMinInterval(t *testing.T) {
	path := writeBlacklist(t, buildEntry("STALE", "010100"))
	a := maintenance.NewAgeTruncator(path)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	a.MaybeRun(now)
	a.MaybeRun(now.Add(31 * 24 * time.Hour))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "STALE")
}

func TestSweepLeavesUnparsableDatesAlone(t *testing.T) {
	path := writeBlacklist(t, buildEntry("WEIRD", "??????"))
	a := maintenance.NewAgeTruncator(path)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	a.MaybeRun(now)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "WEIRD")
}
