package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/pkg/metrics"
	"github.com/ShoshinNikita/assetcache/pkg/misc"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

type entryInfo struct {
	key         assetcache.Key
	modTime     time.Time // of the asset file
	size        int64     // of the asset file
	hasAsset    bool
	hasRevision bool
}

func (c *DiskCache) startCleanupProcess() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		// Run immediately.
		c.Evict()

		select {
		case <-ticker.C:
			continue
		case <-c.stopCh:
			close(c.cleanupProcessFinished)
			return
		}
	}
}

// Evict removes entries that exceed the size or age limits, oldest first. Asset
// and revision files are always removed together. Leftover temp files and files
// without a pair are removed too.
func (c *DiskCache) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict()
}

// evict must be called under c.mu.
func (c *DiskCache) evict() {
	rlog.Debugf("start eviction in %s cache", c.name)

	entries, tempFiles, err := c.loadAllEntries()
	if err != nil {
		logf := rlog.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = rlog.Warnf
		}
		logf("couldn't load files of %s cache: %s", c.name, err)
		return
	}

	var (
		complete []entryInfo
		broken   []entryInfo
	)
	for _, e := range entries {
		if e.hasAsset && e.hasRevision {
			complete = append(complete, e)
		} else {
			broken = append(broken, e)
		}
	}

	toRemove, remainingSize := c.getEntriesToRemove(complete, c.now())
	metrics.DiskCacheSize.Set(float64(remainingSize))

	var errs []error
	for _, path := range tempFiles {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("couldn't remove temp file %q: %w", path, err))
		}
	}
	_, _, brokenErrs := c.removeEntries(broken)
	errs = append(errs, brokenErrs...)

	removedEntries, cleanedSpace, removeErrs := c.removeEntries(toRemove)
	errs = append(errs, removeErrs...)

	for _, err := range errs {
		rlog.Error(err)
	}
	metrics.DiskCacheEvictions.Add(float64(removedEntries))

	if removedEntries > 0 {
		rlog.Infof(
			"%d entries have been removed from %s cache for a total of %s freed, got %d errors",
			removedEntries, c.name, misc.FormatFileSize(cleanedSpace), len(errs),
		)
	} else {
		rlog.Debugf("no entries to remove from %s cache", c.name)
	}
}

// loadAllEntries must be called under c.mu.
func (c *DiskCache) loadAllEntries() (entries []entryInfo, tempFiles []string, err error) {
	dirEntries, err := os.ReadDir(c.absDir)
	if err != nil {
		return nil, nil, err
	}

	index := make(map[assetcache.Key]int, len(dirEntries)/2)
	getEntry := func(key assetcache.Key) *entryInfo {
		i, ok := index[key]
		if !ok {
			i = len(entries)
			index[key] = i
			entries = append(entries, entryInfo{key: key})
		}
		return &entries[i]
	}

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		switch {
		case dirEntry.IsDir():
			continue

		case isTempFile(name):
			tempFiles = append(tempFiles, filepath.Join(c.absDir, name))

		case strings.HasSuffix(name, revisionFileExt):
			getEntry(assetcache.Key(strings.TrimSuffix(name, revisionFileExt))).hasRevision = true

		default:
			info, err := dirEntry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, nil, fmt.Errorf("couldn't get info of %q: %w", name, err)
			}

			e := getEntry(assetcache.Key(name))
			e.hasAsset = true
			e.modTime = info.ModTime()
			e.size = info.Size()
		}
	}
	return entries, tempFiles, nil
}

// getEntriesToRemove returns entries that haven't been accessed for c.maxAge and
// the least recently accessed entries that don't fit c.maxSize.
func (c *DiskCache) getEntriesToRemove(entries []entryInfo, now time.Time) (toRemove []entryInfo, remainingSize int64) {
	var (
		oldEntries      []entryInfo
		activeEntries   []entryInfo
		activeTotalSize int64
	)
	for _, e := range entries {
		if c.maxAge > 0 && e.modTime.Before(now.Add(-c.maxAge)) {
			oldEntries = append(oldEntries, e)
		} else {
			activeEntries = append(activeEntries, e)
			activeTotalSize += e.size
		}
	}
	if activeTotalSize <= c.maxSize {
		// Should remove only old entries.
		return oldEntries, activeTotalSize
	}

	// Remove the least recently accessed entries first.
	slices.SortStableFunc(activeEntries, func(a, b entryInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	var index int
	for i, e := range activeEntries {
		activeTotalSize -= e.size
		if activeTotalSize <= c.maxSize {
			// Other entries satisfy the size limit.
			index = i + 1
			break
		}
	}

	return append(oldEntries, activeEntries[:index]...), activeTotalSize
}

func (c *DiskCache) removeEntries(entries []entryInfo) (removedEntries int, cleanedSpace int64, errs []error) {
	for _, e := range entries {
		assetPath, revisionPath := c.generateFilepaths(e.key)

		var failed bool
		for _, path := range []string{assetPath, revisionPath} {
			err := os.Remove(path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("couldn't remove file %q from %s cache: %w", path, c.name, err))
				failed = true
			}
		}
		if failed {
			continue
		}
		if e.hasAsset && e.hasRevision {
			removedEntries++
			cleanedSpace += e.size
		}
	}
	return removedEntries, cleanedSpace, errs
}

// Shutdown stops the background cleanup.
func (c *DiskCache) Shutdown(ctx context.Context) error {
	select {
	case <-c.stopCh:
		// Already stopped.
	default:
		close(c.stopCh)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}
