package cache

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDecode fabricates a deterministic click train so BPM analysis is
// stable across calls, keyed only by the file's content (so cache
// invalidation tests can vary the bytes without changing the decoded
// audio's musical content).
func testDecode(path string) ([]float32, float64, error) {
	const sampleRate = 44100.0
	n := int(sampleRate * 5)
	samples := make([]float32, n)
	interval := sampleRate / 2.0 // 120 BPM
	for beat := 0.0; int(beat) < n; beat += interval {
		start := int(beat)
		for i := 0; i < 441 && start+i < n; i++ {
			samples[start+i] += float32(math.Exp(-float64(i) / 100))
		}
	}
	return samples, sampleRate, nil
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAnalyzeWithCacheHitOnSecondCall(t *testing.T) {
	cacheDir := t.TempDir()
	srcDir := t.TempDir()
	path := writeTestFile(t, srcDir, "track.bin", "some audio bytes")

	c := New(cacheDir)

	first, _, err := c.AnalyzeWithCache(path, testDecode, false)
	require.NoError(t, err)

	second, _, err := c.AnalyzeWithCache(path, testDecode, false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAnalyzeWithCacheMissAfterMtimeChange(t *testing.T) {
	cacheDir := t.TempDir()
	srcDir := t.TempDir()
	path := writeTestFile(t, srcDir, "track.bin", "some audio bytes")

	c := New(cacheDir)
	_, _, err := c.AnalyzeWithCache(path, testDecode, false)
	require.NoError(t, err)

	// Touch the file: same content, different mtime.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	_, w, ok := c.tryLookup(path, false)
	assert.False(t, ok)
	assert.Nil(t, w)
}

func TestAnalyzeWithCacheAbsentDirIsPassthrough(t *testing.T) {
	srcDir := t.TempDir()
	path := writeTestFile(t, srcDir, "track.bin", "bytes")

	c := New("")
	result, _, err := c.AnalyzeWithCache(path, testDecode, false)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, result.BPM, 0.5)
}

func TestCleanupOrphanedRemovesMissingPaths(t *testing.T) {
	cacheDir := t.TempDir()
	srcDir := t.TempDir()
	keep := writeTestFile(t, srcDir, "keep.bin", "keep me")
	gone := writeTestFile(t, srcDir, "gone.bin", "delete me")

	c := New(cacheDir)
	_, _, err := c.AnalyzeWithCache(keep, testDecode, false)
	require.NoError(t, err)
	_, _, err = c.AnalyzeWithCache(gone, testDecode, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(gone))

	removed, err := c.CleanupOrphaned([]string{keep})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	idx, err := c.loadIndex()
	require.NoError(t, err)
	_, stillThere := idx.Entries[keep]
	assert.True(t, stillThere)
	_, orphanGone := idx.Entries[gone]
	assert.False(t, orphanGone)
}

func TestRebuildIndexStartsEmptyOfPaths(t *testing.T) {
	cacheDir := t.TempDir()
	srcDir := t.TempDir()
	path := writeTestFile(t, srcDir, "track.bin", "bytes")

	c := New(cacheDir)
	_, _, err := c.AnalyzeWithCache(path, testDecode, false)
	require.NoError(t, err)

	idx, err := c.RebuildIndex()
	require.NoError(t, err)
	assert.Empty(t, idx.Entries)
}

func TestClearAllRemovesEveryFile(t *testing.T) {
	cacheDir := t.TempDir()
	srcDir := t.TempDir()
	path := writeTestFile(t, srcDir, "track.bin", "bytes")

	c := New(cacheDir)
	_, _, err := c.AnalyzeWithCache(path, testDecode, false)
	require.NoError(t, err)

	require.NoError(t, c.ClearAll())

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.EntryCount)
}
