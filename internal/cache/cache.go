// Package cache implements the on-disk, content-addressed analysis cache:
// BPM/waveform results keyed by a BLAKE3 fingerprint of the source file, so
// a track only needs to be analyzed once.
//
// Layout under a cache directory: one file per content hash named
// "<hash>.json", plus "index.json" mapping file paths to content hashes.
// All writes go through a write-temp-then-rename discipline so a reader
// never observes a half-written file.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/twodeck/engine/internal/analysis/bpm"
	"github.com/twodeck/engine/internal/analysis/waveform"
	"github.com/twodeck/engine/internal/engineerr"
)

// Decoder decodes a file at path into mono samples and a sample rate. It is
// supplied by the caller so this package stays independent of any concrete
// container/codec implementation.
type Decoder func(path string) (samples []float32, sampleRate float64, err error)

// Fingerprint identifies a file's content for cache validation.
type Fingerprint struct {
	ContentHash  string    `json:"content_hash"`
	DurationMs   uint64    `json:"duration_ms"`
	SampleRate   uint32    `json:"sample_rate"`
	FileSize     int64     `json:"file_size"`
	LastModified time.Time `json:"last_modified"`
}

// Entry is one cached analysis record.
type Entry struct {
	Fingerprint Fingerprint        `json:"fingerprint"`
	BPM         bpm.Result         `json:"bpm_analysis"`
	Waveform    *waveform.Analysis `json:"waveform_analysis,omitempty"`
	CachedAt    time.Time          `json:"cached_at"`
}

// index is the path → content-hash map persisted as index.json.
type index struct {
	Version uint32            `json:"version"`
	Entries map[string]string `json:"entries"`
}

func newIndex() index {
	return index{Version: 1, Entries: make(map[string]string)}
}

const indexFileName = "index.json"

// Cache is a content-addressed analysis cache rooted at Dir. A zero-value
// Cache (empty Dir) makes AnalyzeWithCache a pass-through to fresh analysis,
// matching the engine's "absent cache dir" behavior.
type Cache struct {
	Dir string
}

// New returns a Cache rooted at dir. dir may be empty to disable caching.
func New(dir string) *Cache {
	return &Cache{Dir: dir}
}

// AnalyzeWithCache returns the BPM (and, if requested, waveform) analysis
// for path, using the cache when possible. Cache failures are logged and
// never fail the call — the result always reflects either a cache hit or a
// fresh analysis.
func (c *Cache) AnalyzeWithCache(path string, decode Decoder, includeWaveform bool) (bpm.Result, *waveform.Analysis, error) {
	if c == nil || c.Dir == "" {
		return c.analyzeFresh(path, decode, includeWaveform)
	}

	if b, w, ok := c.tryLookup(path, includeWaveform); ok {
		slog.Debug("cache hit", "path", path)
		return b, w, nil
	}
	slog.Debug("cache miss", "path", path)

	fp, b, w, err := c.analyzeFreshWithHash(path, decode, includeWaveform)
	if err != nil {
		return bpm.Result{}, nil, err
	}
	if err := c.store(path, fp, b, w); err != nil {
		slog.Warn("failed to cache analysis result", "path", path, "error", err)
	}
	return b, w, nil
}

func (c *Cache) analyzeFresh(path string, decode Decoder, includeWaveform bool) (bpm.Result, *waveform.Analysis, error) {
	samples, sr, err := decode(path)
	if err != nil {
		return bpm.Result{}, nil, err
	}
	b, err := bpm.Analyze(samples, sr)
	if err != nil {
		return bpm.Result{}, nil, err
	}
	if !includeWaveform {
		return b, nil, nil
	}
	w, err := waveform.Analyze(samples, sr)
	if err != nil {
		return bpm.Result{}, nil, err
	}
	return b, &w, nil
}

// analyzeFreshWithHash analyzes path and also computes its fingerprint, so
// the caller can persist both without decoding or hashing the file twice.
func (c *Cache) analyzeFreshWithHash(path string, decode Decoder, includeWaveform bool) (Fingerprint, bpm.Result, *waveform.Analysis, error) {
	samples, sr, err := decode(path)
	if err != nil {
		return Fingerprint{}, bpm.Result{}, nil, err
	}
	fp, err := computeFingerprint(path, func(string) ([]float32, float64, error) {
		return samples, sr, nil
	})
	if err != nil {
		return Fingerprint{}, bpm.Result{}, nil, err
	}
	b, err := bpm.Analyze(samples, sr)
	if err != nil {
		return Fingerprint{}, bpm.Result{}, nil, err
	}
	var w *waveform.Analysis
	if includeWaveform {
		a, err := waveform.Analyze(samples, sr)
		if err != nil {
			return Fingerprint{}, bpm.Result{}, nil, err
		}
		w = &a
	}
	return fp, b, w, nil
}

// tryLookup attempts a cache hit for path, returning ok=false on any miss
// or invalidation (never an error — the caller falls back to fresh
// analysis).
func (c *Cache) tryLookup(path string, includeWaveform bool) (bpm.Result, *waveform.Analysis, bool) {
	idx, err := c.loadIndex()
	if err != nil {
		slog.Warn("cache index load failed, proceeding without cache", "error", err)
		return bpm.Result{}, nil, false
	}

	hash, ok := idx.Entries[path]
	if !ok {
		return bpm.Result{}, nil, false
	}

	entry, err := c.loadEntry(hash)
	if err != nil {
		return bpm.Result{}, nil, false
	}

	valid, err := validateEntry(path, entry.Fingerprint)
	if err != nil || !valid {
		return bpm.Result{}, nil, false
	}

	if includeWaveform && entry.Waveform == nil {
		return bpm.Result{}, nil, false
	}
	if includeWaveform {
		return entry.BPM, entry.Waveform, true
	}
	return entry.BPM, nil, true
}

func (c *Cache) store(path string, fp Fingerprint, b bpm.Result, w *waveform.Analysis) error {
	entry := Entry{
		Fingerprint: fp,
		BPM:         b,
		Waveform:    w,
		CachedAt:    time.Now(),
	}

	if err := c.saveEntry(fp.ContentHash, entry); err != nil {
		return err
	}

	idx, err := c.loadIndex()
	if err != nil {
		idx = newIndex()
	}
	idx.Entries[path] = fp.ContentHash
	return c.saveIndex(idx)
}

// Stats reports the number of cached entries and total bytes on disk.
type Stats struct {
	EntryCount int
	TotalBytes int64
}

// GetStats reads the index and sums the size of every cache file.
func (c *Cache) GetStats() (Stats, error) {
	idx, err := c.loadIndex()
	if err != nil {
		return Stats{}, err
	}
	size, err := c.diskSize()
	if err != nil {
		return Stats{}, err
	}
	return Stats{EntryCount: len(idx.Entries), TotalBytes: size}, nil
}

// CleanupOrphaned removes index entries (and their backing files) whose
// source path no longer exists among currentFiles.
func (c *Cache) CleanupOrphaned(currentFiles []string) (int, error) {
	idx, err := c.loadIndex()
	if err != nil {
		return 0, err
	}

	present := make(map[string]struct{}, len(currentFiles))
	for _, f := range currentFiles {
		present[f] = struct{}{}
	}

	removed := 0
	for path, hash := range idx.Entries {
		if _, ok := present[path]; ok {
			continue
		}
		delete(idx.Entries, path)
		if err := c.deleteEntry(hash); err != nil {
			slog.Warn("failed to remove orphaned cache file", "hash", hash, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		if err := c.saveIndex(idx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// RebuildIndex rebuilds index.json from the cache files present on disk.
//
// This can only partially repopulate the index: cache entries are
// content-addressed and do not record the original source path, so a
// rebuilt index starts empty of path mappings even though every valid
// cache file is preserved. Files that fail to deserialize are deleted.
// Callers should expect every previously-indexed path to miss once after a
// rebuild; each miss re-populates its own index entry on next analysis.
func (c *Cache) RebuildIndex() (index, error) {
	idx := newIndex()

	hashes, err := c.listFiles()
	if err != nil {
		return idx, err
	}

	for _, hash := range hashes {
		if _, err := c.loadEntry(hash); err != nil {
			slog.Warn("invalid cache file, removing", "hash", hash, "error", err)
			_ = c.deleteEntry(hash)
		}
	}

	if err := c.saveIndex(idx); err != nil {
		return idx, err
	}
	return idx, nil
}

// ClearAll deletes every cache file and resets the index to empty.
func (c *Cache) ClearAll() error {
	hashes, err := c.listFiles()
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := c.deleteEntry(hash); err != nil {
			return err
		}
	}
	return c.saveIndex(newIndex())
}

func validateEntry(path string, fp Fingerprint) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	if info.Size() != fp.FileSize {
		return false, nil
	}
	if !info.ModTime().Equal(fp.LastModified) {
		return false, nil
	}
	return true, nil
}

func (c *Cache) ensureDir() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCacheDirCreate, err)
	}
	return nil
}

func (c *Cache) entryPath(hash string) string {
	return filepath.Join(c.Dir, hash+".json")
}

func (c *Cache) loadEntry(hash string) (Entry, error) {
	path := c.entryPath(hash)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", engineerr.ErrCacheEntryNotFound, hash)
		}
		return Entry{}, fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", engineerr.ErrCacheEntryCorrupt, hash, err)
	}
	return entry, nil
}

func (c *Cache) saveEntry(hash string, entry Entry) error {
	if err := c.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCacheSerde, err)
	}
	return writeAtomic(c.entryPath(hash), data)
}

func (c *Cache) deleteEntry(hash string) error {
	err := os.Remove(c.entryPath(hash))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	return nil
}

func (c *Cache) listFiles() ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	var hashes []string
	for _, e := range entries {
		name := e.Name()
		if name == indexFileName {
			continue
		}
		if filepath.Ext(name) == ".json" {
			hashes = append(hashes, name[:len(name)-len(".json")])
		}
	}
	return hashes, nil
}

func (c *Cache) diskSize() (int64, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.Dir, indexFileName)
}

func (c *Cache) loadIndex() (index, error) {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newIndex(), nil
		}
		return index{}, fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		slog.Warn("cache index corrupted, rebuilding", "error", err)
		return c.RebuildIndex()
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]string)
	}
	return idx, nil
}

func (c *Cache) saveIndex(idx index) error {
	if err := c.ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCacheSerde, err)
	}
	return writeAtomic(c.indexPath(), data)
}

// writeAtomic writes data to path by writing to path+".tmp" then renaming,
// so a concurrent reader never observes a partial write.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCacheIO, err)
	}
	return nil
}
