package cache

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/assetcache/assetcache"
)

func newTestDiskCache(t *testing.T, opts Options) *DiskCache {
	t.Helper()

	opts.DisableCleaner = true
	if opts.MaxSize == 0 {
		opts.MaxSize = 1 << 20
	}

	c, err := NewDiskCache("test", t.TempDir(), opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, c.Shutdown(context.Background()))
	})
	return c
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var res []string
	for _, e := range entries {
		res = append(res, e.Name())
	}
	return res
}

func TestDiskCache(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		r := require.New(t)

		c := newTestDiskCache(t, Options{})
		key := assetcache.DeriveKey("/images/1.jpg")

		_, ok := c.Load(key)
		r.False(ok)

		err := c.Store(key, assetcache.EncodedEntry{Data: []byte("hello world"), Revision: "rev-1"})
		r.NoError(err)

		entry, ok := c.Load(key)
		r.True(ok)
		r.Equal("hello world", string(entry.Data))
		r.Equal("rev-1", entry.Revision)

		r.ElementsMatch([]string{key.String(), key.String() + ".rev"}, listFiles(t, c.absDir))

		revision, err := os.ReadFile(filepath.Join(c.absDir, key.String()+".rev"))
		r.NoError(err)
		r.Equal("rev-1", string(revision))

		// Replace.
		err = c.Store(key, assetcache.EncodedEntry{Data: []byte("new"), Revision: "rev-2"})
		r.NoError(err)

		entry, ok = c.Load(key)
		r.True(ok)
		r.Equal("new", string(entry.Data))
		r.Equal("rev-2", entry.Revision)
	})

	t.Run("missing files", func(t *testing.T) {
		r := require.New(t)

		c := newTestDiskCache(t, Options{})

		const key = assetcache.Key("0123456789abcdef0123456789abcdef")
		r.NoError(c.Store(key, assetcache.EncodedEntry{Data: []byte("x"), Revision: "1"}))

		assetPath, revisionPath := c.generateFilepaths(key)

		r.NoError(os.Remove(revisionPath))
		_, ok := c.Load(key)
		r.False(ok)

		r.NoError(c.Store(key, assetcache.EncodedEntry{Data: []byte("x"), Revision: "1"}))
		r.NoError(os.Remove(assetPath))
		_, ok = c.Load(key)
		r.False(ok)

		// Orphan revision file must be removed by eviction.
		c.Evict()
		r.Empty(listFiles(t, c.absDir))
	})

	t.Run("load updates access time", func(t *testing.T) {
		r := require.New(t)

		c := newTestDiskCache(t, Options{})

		storeTime := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
		loadTime := storeTime.Add(time.Hour)

		key := assetcache.DeriveKey("/a.png")
		c.now = func() time.Time { return storeTime }
		r.NoError(c.Store(key, assetcache.EncodedEntry{Data: []byte("x")}))

		assetPath, _ := c.generateFilepaths(key)
		info, err := os.Stat(assetPath)
		r.NoError(err)
		r.True(storeTime.Equal(info.ModTime()))

		c.now = func() time.Time { return loadTime }
		_, ok := c.Load(key)
		r.True(ok)

		info, err = os.Stat(assetPath)
		r.NoError(err)
		r.True(loadTime.Equal(info.ModTime()))
	})

	t.Run("remove", func(t *testing.T) {
		r := require.New(t)

		c := newTestDiskCache(t, Options{})
		key := assetcache.DeriveKey("/a.png")

		r.NoError(c.Remove(key))

		r.NoError(c.Store(key, assetcache.EncodedEntry{Data: []byte("x")}))
		r.NoError(c.Remove(key))

		_, ok := c.Load(key)
		r.False(ok)
		r.Empty(listFiles(t, c.absDir))
	})

	t.Run("clear", func(t *testing.T) {
		r := require.New(t)

		c := newTestDiskCache(t, Options{})
		for i := range 5 {
			key := assetcache.DeriveKey(strconv.Itoa(i))
			r.NoError(c.Store(key, assetcache.EncodedEntry{Data: []byte("x")}))
		}

		r.NoError(c.Clear())
		r.Empty(listFiles(t, c.absDir))

		stats, err := c.Stats()
		r.NoError(err)
		r.Equal(0, stats.Entries)

		// The cache must still work.
		key := assetcache.DeriveKey("new")
		r.NoError(c.Store(key, assetcache.EncodedEntry{Data: []byte("y"), Revision: "2"}))
		entry, ok := c.Load(key)
		r.True(ok)
		r.Equal("y", string(entry.Data))
	})

	t.Run("remove temp files", func(t *testing.T) {
		r := require.New(t)

		c := newTestDiskCache(t, Options{})
		err := os.WriteFile(filepath.Join(c.absDir, ".abc.123.tmp"), []byte("partial"), 0o600)
		r.NoError(err)

		c.Evict()
		r.Empty(listFiles(t, c.absDir))
	})
}

func TestNewDiskCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	_, err := NewDiskCache("test", t.TempDir(), Options{})
	r.ErrorContains(err, "max size must be > 0")

	// Parent is a file.
	file := filepath.Join(t.TempDir(), "file")
	r.NoError(os.WriteFile(file, nil, 0o600))

	_, err = NewDiskCache("test", filepath.Join(file, "cache"), Options{MaxSize: 1})
	r.ErrorContains(err, "couldn't create dir")
}

func TestDiskCache_EvictBySize(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := newTestDiskCache(t, Options{MaxSize: 100})

	base := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	data := bytes.Repeat([]byte("x"), 40)

	keys := []assetcache.Key{
		assetcache.DeriveKey("/f1"),
		assetcache.DeriveKey("/f2"),
		assetcache.DeriveKey("/f3"),
	}
	for i, key := range keys {
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		r.NoError(c.Store(key, assetcache.EncodedEntry{Data: data, Revision: "revision"}))
	}

	_, ok := c.Load(keys[0])
	r.False(ok)
	for _, key := range keys[1:] {
		_, ok := c.Load(key)
		r.True(ok)
	}

	stats, err := c.Stats()
	r.NoError(err)
	r.Equal(DiskCacheStats{Entries: 2, Size: 80, MaxSize: 100}, stats)
}

func TestDiskCache_EvictRespectsAccess(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := newTestDiskCache(t, Options{MaxSize: 100})

	base := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	data := bytes.Repeat([]byte("x"), 40)

	f1, f2, f3 := assetcache.DeriveKey("/f1"), assetcache.DeriveKey("/f2"), assetcache.DeriveKey("/f3")

	c.now = func() time.Time { return base }
	r.NoError(c.Store(f1, assetcache.EncodedEntry{Data: data}))
	c.now = func() time.Time { return base.Add(time.Minute) }
	r.NoError(c.Store(f2, assetcache.EncodedEntry{Data: data}))

	// Access f1, so f2 becomes the oldest one.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := c.Load(f1)
	r.True(ok)

	c.now = func() time.Time { return base.Add(3 * time.Minute) }
	r.NoError(c.Store(f3, assetcache.EncodedEntry{Data: data}))

	r.ElementsMatch(
		[]string{f1.String(), f1.String() + ".rev", f3.String(), f3.String() + ".rev"},
		listFiles(t, c.absDir),
	)
}

func TestDiskCache_EvictByAge(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := newTestDiskCache(t, Options{MaxSize: 1 << 20, MaxAge: 24 * time.Hour})

	now := time.Now()
	oldKey, newKey := assetcache.DeriveKey("/old"), assetcache.DeriveKey("/new")

	c.now = func() time.Time { return now.Add(-48 * time.Hour) }
	r.NoError(c.Store(oldKey, assetcache.EncodedEntry{Data: []byte("old")}))

	c.now = func() time.Time { return now }
	r.NoError(c.Store(newKey, assetcache.EncodedEntry{Data: []byte("new")}))

	_, ok := c.Load(oldKey)
	r.False(ok)
	_, ok = c.Load(newKey)
	r.True(ok)
}

func TestDiskCache_FilesInLockstep(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := newTestDiskCache(t, Options{MaxSize: 500})

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := range 50 {
				key := assetcache.DeriveKey(strconv.Itoa(rand.IntN(40)))
				size := 1 + rand.IntN(120)
				switch {
				case j%10 == 9:
					c.Evict()
				case j%3 == 0:
					c.Load(key)
				default:
					err := c.Store(key, assetcache.EncodedEntry{
						Data:     bytes.Repeat([]byte{byte(i)}, size),
						Revision: strconv.Itoa(j),
					})
					if err != nil {
						t.Errorf("store failed: %s", err)
					}
				}
			}
		}()
	}
	wg.Wait()

	var (
		assets    = make(map[string]bool)
		revisions = make(map[string]bool)
		totalSize int64
	)
	for _, name := range listFiles(t, c.absDir) {
		r.False(isTempFile(name), "temp file %q", name)

		if key, ok := strings.CutSuffix(name, ".rev"); ok {
			revisions[key] = true
			continue
		}
		assets[name] = true

		info, err := os.Stat(filepath.Join(c.absDir, name))
		r.NoError(err)
		totalSize += info.Size()
	}
	r.Equal(assets, revisions)
	r.LessOrEqual(totalSize, int64(500))
}

func TestDiskCache_getEntriesToRemove(t *testing.T) {
	t.Parallel()

	newTime := func(day int, hour int) time.Time {
		return time.Date(2022, time.October, day, hour, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name    string
		maxAge  time.Duration
		maxSize int64
		now     time.Time
		entries []entryInfo
		//
		wantKeys      []assetcache.Key
		wantRemaining int64
	}{
		{
			name:    "all entries are old",
			maxAge:  24 * time.Hour, // 1 day
			maxSize: 1 << 10,        // 1 KiB
			now:     newTime(18, 0),
			entries: []entryInfo{
				{key: "10", modTime: newTime(1, 0), size: 1 << 20},
				{key: "20", modTime: newTime(2, 0), size: 1 << 20},
				{key: "30", modTime: newTime(3, 0), size: 1 << 20},
			},
			wantKeys:      []assetcache.Key{"10", "20", "30"},
			wantRemaining: 0,
		},
		{
			name:    "remove all entries because of size limit",
			maxSize: 1 << 10, // 1 KiB
			now:     newTime(18, 0),
			entries: []entryInfo{
				{key: "1", modTime: newTime(17, 0), size: 1 << 20},
				{key: "2", modTime: newTime(17, 0), size: 1 << 20},
				{key: "3", modTime: newTime(17, 0), size: 1 << 20},
			},
			wantKeys:      []assetcache.Key{"1", "2", "3"},
			wantRemaining: 0,
		},
		{
			name:    "exact limit",
			maxSize: 100,
			now:     newTime(18, 0),
			entries: []entryInfo{
				{key: "1", modTime: newTime(1, 0), size: 50},
				{key: "2", modTime: newTime(2, 0), size: 50},
			},
			wantKeys:      nil,
			wantRemaining: 100,
		},
		{
			name:    "mixed",
			maxAge:  7 * 24 * time.Hour, // 7 days
			maxSize: 5 << 20,            // 5 MiB
			now:     newTime(18, 0),
			entries: []entryInfo{
				// Old entries
				{key: "1", modTime: newTime(1, 37)},
				{key: "3", modTime: newTime(4, 51)},
				{key: "2", modTime: newTime(10, 0)},
				// New entries (3.7 MiB)
				{key: "4", modTime: newTime(11, 0), size: 1 << 19},         // 0.5 MiB
				{key: "5", modTime: newTime(13, 0), size: 1 << 19},         // 0.5 MiB
				{key: "6", modTime: newTime(14, 0), size: 1<<20 + 256<<10}, // 1.2 MiB
				{key: "7", modTime: newTime(15, 0), size: 1<<20 + 512<<10}, // 1.5 MiB
				// New entries (4 MiB)
				{key: "8", modTime: newTime(15, 0), size: 1 << 20}, // 1 MiB
				{key: "9", modTime: newTime(16, 0), size: 3 << 20}, // 3 MiB
			},
			wantKeys:      []assetcache.Key{"1", "2", "3", "4", "5", "6", "7"},
			wantRemaining: 4 << 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DiskCache{
				maxAge:  tt.maxAge,
				maxSize: tt.maxSize,
			}
			got, remaining := c.getEntriesToRemove(tt.entries, tt.now)

			var gotKeys []assetcache.Key
			for _, e := range got {
				gotKeys = append(gotKeys, e.key)
			}
			require.ElementsMatch(t, tt.wantKeys, gotKeys)
			require.Equal(t, tt.wantRemaining, remaining)
		})
	}
}
