package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/codec"
	"github.com/ShoshinNikita/assetcache/fetcher"
	"github.com/ShoshinNikita/assetcache/pkg/cache"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
	"github.com/ShoshinNikita/assetcache/remote/httpremote"
	"github.com/ShoshinNikita/assetcache/remote/s3remote"
	"github.com/ShoshinNikita/assetcache/web"
)

type App struct {
	cfg assetcache.Config

	diskCache *cache.DiskCache
	service   *fetcher.Service

	memoryTrigger *memoryTrigger

	server *web.Server
}

func NewApp(cfg assetcache.Config) *App {
	return &App{
		cfg: cfg,
	}
}

func (a *App) Prepare() (err error) {
	provider, err := newRemoteProvider(a.cfg.Remote)
	if err != nil {
		return fmt.Errorf("couldn't prepare remote provider: %w", err)
	}

	// Caches
	memoryCache := cache.NewMemoryCache(a.cfg.MemoryCacheSize.Bytes(), a.cfg.MemoryCacheCount)

	a.diskCache, err = cache.NewDiskCache(
		"assets", filepath.Join(a.cfg.Dir, "assets"), cache.Options{
			MaxSize: a.cfg.DiskCacheSize.Bytes(),
			MaxAge:  a.cfg.DiskCacheMaxAge,
		},
	)
	if err != nil {
		return fmt.Errorf("couldn't prepare disk cache: %w", err)
	}

	// Fetch Service
	imageCodec := codec.NewImageCodec()

	a.service, err = fetcher.NewService(
		memoryCache, a.diskCache, fetcher.StaticProvider(provider), imageCodec, fetcher.Options{
			Format: a.cfg.StorageFormat,
		},
	)
	if err != nil {
		return fmt.Errorf("couldn't prepare fetch service: %w", err)
	}

	a.memoryTrigger = newMemoryTrigger(a.service.ClearMemory)

	// Web Server
	a.server = web.NewServer(a.cfg, a.service, imageCodec)

	return nil
}

func newRemoteProvider(cfg assetcache.RemoteConfig) (assetcache.RemoteProvider, error) {
	switch cfg.Kind {
	case assetcache.HTTPRemote:
		return httpremote.NewProvider(cfg.URL)

	case assetcache.S3Remote:
		return s3remote.NewProvider(s3remote.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Prefix:    cfg.S3.Prefix,
		})

	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}

func (a *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"memory trigger": a.memoryTrigger,
			"web server":     a.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (a *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", a.server},
		{"memory trigger", a.memoryTrigger},
		{"fetch service", a.service},
		{"disk cache", a.diskCache},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			failed++
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
