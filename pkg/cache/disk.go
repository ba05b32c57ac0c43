package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/pkg/metrics"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

const (
	revisionFileExt = ".rev"
	tempFileExt     = ".tmp"
)

// DiskCache stores encoded assets in a single directory. Every entry consists of
// 2 files: '<key>' with the asset and '<key>.rev' with the revision. Files are
// written to temp files first and then renamed, so readers never see partially
// written files.
//
// Modification time of an asset file is used as the last access time: it is
// updated on every [DiskCache.Load] call.
type DiskCache struct {
	name   string
	absDir string

	maxSize         int64 // in bytes
	maxAge          time.Duration
	cleanupInterval time.Duration

	// mu guards the directory: Load holds a read lock, Store, Evict, Remove
	// and Clear hold a write lock.
	mu  sync.RWMutex
	now func() time.Time

	stopCh                 chan struct{}
	cleanupProcessFinished chan struct{}
}

type Options struct {
	// MaxSize is the max total size of asset files. Revision files are not counted.
	MaxSize int64
	// MaxAge is the max time since the last access. Zero disables the limit.
	MaxAge time.Duration
	// CleanupInterval defines how often the background cleanup runs. Eviction also
	// happens after every Store call.
	CleanupInterval time.Duration
	DisableCleaner  bool
}

type DiskCacheStats struct {
	Entries int
	Size    int64
	MaxSize int64
}

// NewDiskCache creates the cache directory if needed. The returned error is fatal:
// the cache can't work without its directory.
func NewDiskCache(name string, dir string, opts Options) (*DiskCache, error) {
	if opts.MaxSize <= 0 {
		return nil, errors.New("max size must be > 0")
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create dir %q: %w", absDir, err)
	}

	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}

	c := &DiskCache{
		name:            name,
		absDir:          absDir,
		maxSize:         opts.MaxSize,
		maxAge:          opts.MaxAge,
		cleanupInterval: opts.CleanupInterval,
		now:             time.Now,
		//
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}

	if opts.DisableCleaner {
		close(c.cleanupProcessFinished)
	} else {
		go c.startCleanupProcess()
	}

	return c, nil
}

// Load returns the cached entry. Missing or unreadable files are reported as a miss.
func (c *DiskCache) Load(key assetcache.Key) (assetcache.EncodedEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	assetPath, revisionPath := c.generateFilepaths(key)

	revision, err := os.ReadFile(revisionPath)
	if err != nil {
		c.reportLoadError(key, err)
		return assetcache.EncodedEntry{}, false
	}
	data, err := os.ReadFile(assetPath)
	if err != nil {
		c.reportLoadError(key, err)
		return assetcache.EncodedEntry{}, false
	}

	now := c.now()
	if err := os.Chtimes(assetPath, now, now); err != nil {
		// Not critical, the entry can just be evicted earlier.
		rlog.Warnf("couldn't update access time of %q in %s cache: %s", key, c.name, err)
	}

	metrics.DiskCacheHits.Inc()
	return assetcache.EncodedEntry{
		Data:     data,
		Revision: string(revision),
	}, true
}

func (c *DiskCache) reportLoadError(key assetcache.Key, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		metrics.DiskCacheMisses.Inc()
		return
	}

	metrics.DiskCacheErrors.Inc()
	rlog.Errorf("couldn't load %q from %s cache: %s", key, c.name, err)
}

// Store writes the entry and runs an eviction pass.
func (c *DiskCache) Store(key assetcache.Key, entry assetcache.EncodedEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store(key, entry); err != nil {
		metrics.DiskCacheErrors.Inc()
		return err
	}

	c.evict()

	return nil
}

func (c *DiskCache) store(key assetcache.Key, entry assetcache.EncodedEntry) (err error) {
	// The dir could be removed by someone else.
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}

	assetPath, revisionPath := c.generateFilepaths(key)

	tempRevisionPath, err := c.writeTempFile(key, []byte(entry.Revision))
	if err != nil {
		return fmt.Errorf("couldn't write revision file: %w", err)
	}
	tempAssetPath, err := c.writeTempFile(key, entry.Data)
	if err != nil {
		removeFiles(tempRevisionPath)
		return fmt.Errorf("couldn't write asset file: %w", err)
	}

	// Both files are renamed under the lock, so Load can't see only one of them.
	if err := os.Rename(tempRevisionPath, revisionPath); err != nil {
		removeFiles(tempRevisionPath, tempAssetPath)
		return fmt.Errorf("couldn't rename revision file: %w", err)
	}
	if err := os.Rename(tempAssetPath, assetPath); err != nil {
		removeFiles(tempAssetPath, revisionPath, assetPath)
		return fmt.Errorf("couldn't rename asset file: %w", err)
	}

	now := c.now()
	if err := os.Chtimes(assetPath, now, now); err != nil {
		rlog.Warnf("couldn't update access time of %q in %s cache: %s", key, c.name, err)
	}
	return nil
}

func (c *DiskCache) writeTempFile(key assetcache.Key, data []byte) (path string, err error) {
	f, err := os.CreateTemp(c.absDir, "."+key.String()+".*"+tempFileExt)
	if err != nil {
		return "", fmt.Errorf("couldn't create temp file: %w", err)
	}
	path = f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		removeFiles(path)
		return "", fmt.Errorf("couldn't write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		removeFiles(path)
		return "", fmt.Errorf("couldn't close temp file: %w", err)
	}
	return path, nil
}

// Remove removes the entry. It should be used for corrupted entries, all other
// entries are removed by [DiskCache.Evict].
func (c *DiskCache) Remove(key assetcache.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	assetPath, revisionPath := c.generateFilepaths(key)

	var errs []error
	for _, path := range []string{assetPath, revisionPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear removes all entries by recreating the cache directory.
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.absDir); err != nil {
		return fmt.Errorf("couldn't remove dir %q: %w", c.absDir, err)
	}
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}

	metrics.DiskCacheSize.Set(0)
	return nil
}

func (c *DiskCache) Stats() (DiskCacheStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, _, err := c.loadAllEntries()
	if err != nil {
		return DiskCacheStats{}, err
	}

	stats := DiskCacheStats{
		MaxSize: c.maxSize,
	}
	for _, e := range entries {
		if e.hasAsset && e.hasRevision {
			stats.Entries++
			stats.Size += e.size
		}
	}
	return stats, nil
}

func (c *DiskCache) generateFilepaths(key assetcache.Key) (assetPath, revisionPath string) {
	assetPath = filepath.Join(c.absDir, key.String())
	return assetPath, assetPath + revisionFileExt
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempFileExt)
}

func removeFiles(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			rlog.Errorf("couldn't remove file %q: %s", path, err)
		}
	}
}
