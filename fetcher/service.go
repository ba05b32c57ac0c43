package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/pkg/cache"
	"github.com/ShoshinNikita/assetcache/pkg/metrics"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

var errNoProvider = errors.New("remote provider is not available")

// ProviderResolver returns the current remote provider or nil if it is not available.
// It is called for every remote request.
type ProviderResolver func() assetcache.RemoteProvider

// StaticProvider returns a [ProviderResolver] that always returns p.
func StaticProvider(p assetcache.RemoteProvider) ProviderResolver {
	return func() assetcache.RemoteProvider { return p }
}

// Service fetches assets from the memory cache, the disk cache or the remote provider,
// in that order. Revisions of cached assets are checked at most once per key per
// session. A session ends with [Service.Clear] or [Service.ClearMemory].
type Service struct {
	memory    *cache.MemoryCache
	disk      *cache.DiskCache
	revisions *cache.RevisionTracker

	resolveProvider ProviderResolver
	codec           assetcache.Codec
	format          assetcache.Format

	coalesce bool
	flights  singleflight.Group

	// clearMu serializes cache clearing with write-backs. Every clear increments
	// generation, so fetches started before the clear don't write to the new session.
	clearMu    sync.RWMutex
	generation atomic.Uint64

	// stopMu guards stopped and inProgress.Add, so no fetch starts after Shutdown.
	stopMu     sync.Mutex
	stopped    bool
	inProgress sync.WaitGroup
}

type Options struct {
	// Format is used to encode assets before writing them to disk.
	Format assetcache.Format
	// DisableCoalescing allows concurrent fetches of the same path to issue their
	// own remote requests.
	DisableCoalescing bool
}

type FetchOptions struct {
	ValidateRevision bool
	// Format overrides [Options.Format].
	Format *assetcache.Format
}

type Stats struct {
	Memory          cache.MemoryCacheStats
	Disk            cache.DiskCacheStats
	CheckedRevision int
}

func NewService(
	memory *cache.MemoryCache, disk *cache.DiskCache, resolveProvider ProviderResolver,
	codec assetcache.Codec, opts Options,
) (*Service, error) {

	if memory == nil || disk == nil {
		return nil, errors.New("memory and disk caches are required")
	}
	if resolveProvider == nil {
		return nil, errors.New("provider resolver is required")
	}
	if codec == nil {
		return nil, errors.New("codec is required")
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}

	return &Service{
		memory:    memory,
		disk:      disk,
		revisions: cache.NewRevisionTracker(),
		//
		resolveProvider: resolveProvider,
		codec:           codec,
		format:          opts.Format,
		//
		coalesce: !opts.DisableCoalescing,
	}, nil
}

type fetchResult struct {
	asset  assetcache.Asset
	source string
}

// Fetch returns the asset for the path. It returns false if the asset is not cached and
// can't be downloaded. Remote errors are never returned: if the remote is not available,
// the cached asset is used even if it may be stale.
//
// Cancellation of ctx affects only the caller: the fetch continues in the background
// and still populates the cache.
func (s *Service) Fetch(ctx context.Context, path string, opts FetchOptions) (assetcache.Asset, bool) {
	key := assetcache.DeriveKey(path)

	// Fast path, no need to spawn a goroutine.
	if entry, ok := s.memory.Get(key); ok {
		if !opts.ValidateRevision || s.revisions.HasChecked(key) {
			metrics.FetchResults.With(prometheus.Labels{"result": metrics.FetchResultMemory}).Inc()
			return entry.Asset, true
		}
	}

	if ctx.Err() != nil {
		return nil, false
	}
	if !s.startFetch() {
		rlog.Warnf("couldn't fetch %q: service is stopped", path)
		return nil, false
	}

	format := s.format
	if opts.Format != nil {
		format = *opts.Format
	}

	// Detach from the caller: the fetch must finish even if the caller leaves.
	fetchCtx := context.WithoutCancel(ctx)
	resCh := make(chan fetchResult, 1)
	go func() {
		defer s.inProgress.Done()

		if !s.coalesce {
			resCh <- s.fetch(fetchCtx, path, key, opts.ValidateRevision, format)
			return
		}

		flightKey := key.String() + "|" + strconv.FormatBool(opts.ValidateRevision) + "|" + format.String()
		v, _, _ := s.flights.Do(flightKey, func() (any, error) {
			return s.fetch(fetchCtx, path, key, opts.ValidateRevision, format), nil
		})
		resCh <- v.(fetchResult)
	}()

	select {
	case <-ctx.Done():
		return nil, false

	case res := <-resCh:
		metrics.FetchResults.With(prometheus.Labels{"result": res.source}).Inc()

		return res.asset, res.asset != nil
	}
}

// startFetch registers a new fetch. It returns false if the service is stopped.
func (s *Service) startFetch() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return false
	}
	s.inProgress.Add(1)
	return true
}

func (s *Service) fetch(ctx context.Context, path string, key assetcache.Key, validate bool, format assetcache.Format) fetchResult {
	generation := s.generation.Load()

	// 1. Memory
	if entry, ok := s.memory.Get(key); ok {
		if !validate || s.revisions.HasChecked(key) {
			return fetchResult{asset: entry.Asset, source: metrics.FetchResultMemory}
		}
		return s.validate(ctx, path, key, entry, false, format, generation)
	}

	// 2. Disk
	if encoded, ok := s.disk.Load(key); ok {
		asset, err := s.codec.Decode(encoded.Data)
		if err == nil {
			entry := assetcache.Entry{Asset: asset, Revision: encoded.Revision}
			if !validate || s.revisions.HasChecked(key) {
				s.promote(key, entry, false, generation)
				return fetchResult{asset: entry.Asset, source: metrics.FetchResultDisk}
			}
			return s.validate(ctx, path, key, entry, true, format, generation)
		}

		// Corrupted entry, download it again.
		rlog.Warnf("couldn't decode cached asset for %q, remove it: %s", path, err)
		metrics.DiskCacheErrors.Inc()
		if err := s.disk.Remove(key); err != nil {
			rlog.Errorf("couldn't remove corrupted cache entry for %q: %s", path, err)
		}
	}

	// 3. Remote
	entry, data, err := s.download(ctx, path)
	if err != nil {
		logf := rlog.Warnf
		if errors.Is(err, assetcache.ErrNotFound) {
			logf = rlog.Debugf
		}
		logf("couldn't download %q: %s", path, err)
		return fetchResult{source: metrics.FetchResultNotFound}
	}

	s.writeBack(key, entry, data, format, generation)
	return fetchResult{asset: entry.Asset, source: metrics.FetchResultRemote}
}

// validate checks the remote revision of a cached entry and downloads a new version if needed.
func (s *Service) validate(
	ctx context.Context, path string, key assetcache.Key, cached assetcache.Entry, fromDisk bool,
	format assetcache.Format, generation uint64,
) fetchResult {

	source := metrics.FetchResultMemory
	if fromDisk {
		source = metrics.FetchResultDisk
	}

	useCached := func(source string) fetchResult {
		if fromDisk {
			s.promote(key, cached, true, generation)
		} else {
			s.markChecked(key, generation)
		}
		return fetchResult{asset: cached.Asset, source: source}
	}

	revision, err := s.currentRevision(ctx, path)
	if err != nil {
		rlog.Warnf("couldn't check revision of %q, use cached asset: %s", path, err)
		return useCached(source)
	}
	if revision == cached.Revision {
		return useCached(source)
	}

	rlog.Debugf("revision of %q has changed: %q -> %q", path, cached.Revision, revision)

	entry, data, err := s.download(ctx, path)
	if err != nil {
		rlog.Warnf("couldn't download new revision of %q, use stale asset: %s", path, err)
		return useCached(metrics.FetchResultStale)
	}

	s.writeBack(key, entry, data, format, generation)
	return fetchResult{asset: entry.Asset, source: metrics.FetchResultRemote}
}

// promote copies an entry loaded from disk to memory.
func (s *Service) promote(key assetcache.Key, entry assetcache.Entry, checked bool, generation uint64) {
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	if s.generation.Load() != generation {
		return
	}
	s.memory.Set(key, entry, s.codec.ApproximateCost(entry.Asset))
	if checked {
		s.revisions.MarkChecked(key)
	}
}

func (s *Service) markChecked(key assetcache.Key, generation uint64) {
	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	if s.generation.Load() != generation {
		return
	}
	s.revisions.MarkChecked(key)
}

// writeBack saves a downloaded entry to both caches.
func (s *Service) writeBack(key assetcache.Key, entry assetcache.Entry, original []byte, format assetcache.Format, generation uint64) {
	encoded, err := s.codec.Encode(entry.Asset, format)
	if err != nil {
		rlog.Errorf("couldn't encode asset %q with format %s, save the original: %s", key, format, err)
		encoded = original
	}

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	if s.generation.Load() != generation {
		rlog.Debugf("cache was cleared during fetch of %q, skip write-back", key)
		return
	}

	s.memory.Set(key, entry, s.codec.ApproximateCost(entry.Asset))

	err = s.disk.Store(key, assetcache.EncodedEntry{
		Data:     encoded,
		Revision: entry.Revision,
	})
	if err != nil {
		rlog.Errorf("couldn't save %q to disk cache: %s", key, err)
	}

	s.revisions.MarkChecked(key)
}

func (s *Service) download(ctx context.Context, path string) (entry assetcache.Entry, data []byte, err error) {
	provider := s.resolveProvider()
	if provider == nil {
		return assetcache.Entry{}, nil, errNoProvider
	}

	labels := prometheus.Labels{"operation": metrics.RemoteOperationDownload}
	metrics.RemoteRequests.With(labels).Inc()

	now := time.Now()
	data, revision, err := provider.Download(ctx, assetcache.NormalizePath(path))
	metrics.RemoteResponseTime.With(labels).Observe(time.Since(now).Seconds())
	if err != nil {
		metrics.RemoteErrors.With(labels).Inc()
		return assetcache.Entry{}, nil, err
	}
	metrics.RemoteDownloadSizes.Observe(float64(len(data)))

	asset, err := s.codec.Decode(data)
	if err != nil {
		return assetcache.Entry{}, nil, fmt.Errorf("couldn't decode downloaded asset: %w", err)
	}

	rlog.Debugf("%q was downloaded in %s, revision: %q", path, time.Since(now), revision)

	return assetcache.Entry{Asset: asset, Revision: revision}, data, nil
}

func (s *Service) currentRevision(ctx context.Context, path string) (string, error) {
	provider := s.resolveProvider()
	if provider == nil {
		return "", errNoProvider
	}

	labels := prometheus.Labels{"operation": metrics.RemoteOperationRevision}
	metrics.RemoteRequests.With(labels).Inc()

	now := time.Now()
	revision, err := provider.CurrentRevision(ctx, assetcache.NormalizePath(path))
	metrics.RemoteResponseTime.With(labels).Observe(time.Since(now).Seconds())
	if err != nil {
		metrics.RemoteErrors.With(labels).Inc()
		return "", err
	}
	return revision, nil
}

// Clear removes all cached assets from memory and disk and starts a new session.
func (s *Service) Clear() error {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	s.generation.Add(1)
	s.memory.RemoveAll()
	s.revisions.Reset()

	if err := s.disk.Clear(); err != nil {
		return fmt.Errorf("couldn't clear disk cache: %w", err)
	}

	rlog.Info("cache has been cleared")
	return nil
}

// ClearAsync is an asynchronous version of [Service.Clear]. The returned channel
// receives the result and is closed.
func (s *Service) ClearAsync() <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- s.Clear()
	}()
	return ch
}

// ClearMemory removes all assets from memory, the disk cache is retained. It should
// be called when the process is low on memory.
func (s *Service) ClearMemory() {
	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	s.generation.Add(1)
	s.memory.RemoveAll()
	s.revisions.Reset()

	rlog.Info("memory cache has been cleared")
}

func (s *Service) Stats() (Stats, error) {
	disk, err := s.disk.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("couldn't get disk cache stats: %w", err)
	}
	return Stats{
		Memory:          s.memory.Stats(),
		Disk:            disk,
		CheckedRevision: s.revisions.Len(),
	}, nil
}

// Shutdown rejects new fetches and waits for the ones that are in progress
// with respect of the passed context.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inProgress.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
