package waveform

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bosley/ideavoice/metrics"
)

const (
	DefaultCacheLimit = 40
	// MinCacheLimit is the floor applied to the configured limit when pruning.
	MinCacheLimit = 5

	entrySuffix = ".bin"
)

// Cache is a bounded directory of extracted waveforms. Entries are keyed by
// clip name, clip modification time and bucket count, so a rewritten clip
// never hits a stale entry. Pruning keeps the most recently written entries.
type Cache struct {
	dir     string
	limit   atomic.Int64
	metrics *metrics.Metrics

	// now stamps entry modification times; eviction order follows it.
	now func() time.Time

	pruneMu sync.Mutex
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, limit int, m *metrics.Metrics) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create waveform cache directory: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	c := &Cache{
		dir:     dir,
		metrics: m,
		now:     time.Now,
	}
	c.SetLimit(limit)
	return c, nil
}

// SetLimit changes the number of entries kept after each write.
func (c *Cache) SetLimit(limit int) {
	c.limit.Store(int64(limit))
}

// Limit returns the effective limit, with the floor applied.
func (c *Cache) Limit() int {
	return max(MinCacheLimit, int(c.limit.Load()))
}

func (c *Cache) Dir() string {
	return c.dir
}

// Key names the cache entry for a clip.
func Key(clipPath string, modTime time.Time, bucketCount int) string {
	return fmt.Sprintf("%s-%d-%d%s", filepath.Base(clipPath), modTime.UnixMilli(), bucketCount, entrySuffix)
}

// GetOrCompute returns the waveform for the clip, reading it from disk when
// a valid entry exists and extracting and storing it otherwise. Failures
// yield an empty waveform.
func (c *Cache) GetOrCompute(clipPath string, bucketCount int) []float32 {
	info, err := os.Stat(clipPath)
	if err != nil {
		slog.Debug("Waveform requested for unreadable clip", "file", clipPath, "error", err)
		return []float32{}
	}

	entryPath := filepath.Join(c.dir, Key(clipPath, info.ModTime(), bucketCount))

	if amplitudes, ok := readEntry(entryPath); ok {
		c.metrics.CacheHits.Inc()
		return amplitudes
	}
	c.metrics.CacheMisses.Inc()

	amplitudes, err := Extract(clipPath, bucketCount)
	if err != nil {
		slog.Warn("Failed to extract waveform", "file", clipPath, "error", err)
		return []float32{}
	}
	if len(amplitudes) == 0 {
		return amplitudes
	}

	if err := c.writeEntry(entryPath, amplitudes); err != nil {
		slog.Warn("Failed to write waveform cache entry", "entry", entryPath, "error", err)
		return amplitudes
	}

	if _, err := c.Prune(); err != nil {
		slog.Warn("Failed to prune waveform cache", "dir", c.dir, "error", err)
	}

	return amplitudes
}

// readEntry decodes a count-prefixed list of big-endian float32 values.
// Anything short or inconsistent is a miss.
func readEntry(path string) ([]float32, bool) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, false
	}

	r := bufio.NewReader(file)
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, false
	}
	if count <= 0 || 4+4*int64(count) > info.Size() {
		slog.Debug("Discarding corrupt waveform cache entry", "entry", path, "count", count)
		return nil, false
	}

	bits := make([]uint32, count)
	if err := binary.Read(r, binary.BigEndian, bits); err != nil {
		return nil, false
	}

	amplitudes := make([]float32, count)
	for i, b := range bits {
		amplitudes[i] = math.Float32frombits(b)
	}
	return amplitudes, true
}

// writeEntry writes through a temp file and renames it into place, so a
// concurrent writer for the same key can only replace a whole entry.
func (c *Cache) writeEntry(path string, amplitudes []float32) error {
	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	err = binary.Write(w, binary.BigEndian, int32(len(amplitudes)))
	for _, a := range amplitudes {
		if err != nil {
			break
		}
		err = binary.Write(w, binary.BigEndian, math.Float32bits(a))
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	stamp := c.now()
	if err := os.Chtimes(tmp.Name(), stamp, stamp); err != nil {
		return fmt.Errorf("failed to stamp entry: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish entry: %w", err)
	}
	return nil
}

type entry struct {
	path    string
	modTime time.Time
	size    int64
}

func (c *Cache) entries() ([]entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list waveform cache: %w", err)
	}

	entries := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entrySuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{
			path:    filepath.Join(c.dir, de.Name()),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
	}
	return entries, nil
}

// Prune deletes the least recently written entries beyond the limit and
// returns how many were removed.
func (c *Cache) Prune() (int, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	entries, err := c.entries()
	if err != nil {
		return 0, err
	}

	keep := c.Limit()
	if len(entries) <= keep {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path > entries[j].path
		}
		return entries[i].modTime.After(entries[j].modTime)
	})

	removed := 0
	for _, e := range entries[keep:] {
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("Failed to evict waveform entry", "entry", e.path, "error", err)
			continue
		}
		removed++
	}

	c.metrics.CacheEvictions.Add(float64(removed))
	slog.Debug("Pruned waveform cache", "removed", removed, "kept", keep)
	return removed, nil
}

// Clear removes every file in the cache directory.
func (c *Cache) Clear() (int, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	dirEntries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list waveform cache: %w", err)
	}

	deleted := 0
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, de.Name())); err == nil {
			deleted++
		}
	}

	slog.Info("Cleared waveform cache", "deleted", deleted)
	return deleted, nil
}

// Len returns the number of entries on disk.
func (c *Cache) Len() (int, error) {
	entries, err := c.entries()
	return len(entries), err
}

// SizeBytes sums the size of all entries.
func (c *Cache) SizeBytes() (int64, error) {
	entries, err := c.entries()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}
