package accepter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDedupSet(t *testing.T, maxEntries int, ttl time.Duration) *DedupSet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedup.db")
	d, err := OpenDedupSet(path, maxEntries, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDedupSetMarkThenSeen(t *testing.T) {
	d := newTestDedupSet(t, 0, 0)
	seen, err := d.Seen("m1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, d.Mark("m1"))

	seen, err = d.Seen("m1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestDedupSetEvictsOldestOverMaxEntries(t *testing.T) {
	d := newTestDedupSet(t, 2, 0)
	require.NoError(t, d.Mark("a"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, d.Mark("b"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, d.Mark("c"))

	seenA, _ := d.Seen("a")
	seenC, _ := d.Seen("c")
	require.False(t, seenA)
	require.True(t, seenC)
}

func TestDedupSetTTLExpiry(t *testing.T) {
	d := newTestDedupSet(t, 0, 20*time.Millisecond)
	require.NoError(t, d.Mark("m1"))

	seen, err := d.Seen("m1")
	require.NoError(t, err)
	require.True(t, seen)

	time.Sleep(40 * time.Millisecond)
	seen, err = d.Seen("m1")
	require.NoError(t, err)
	require.False(t, seen)
}
