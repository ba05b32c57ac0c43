package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ShoshinNikita/assetcache/assetcache"
	"github.com/ShoshinNikita/assetcache/cmd"
	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

func main() {
	cfg, err := assetcache.ParseConfig()
	if err != nil {
		rlog.Errorf("invalid config: %s", err)
		os.Exit(1)
	}

	rlog.SetLevel(cfg.LogLevel)

	cfg.BuildInfo.Print()
	cfg.Print()

	app := cmd.NewApp(cfg)

	// Always shutdown the app to wait for in-flight fetches and write-backs.
	var (
		exitCode      int
		startFinished <-chan struct{}
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rlog.Info("shutdown")
		if err := app.Shutdown(ctx); err != nil {
			rlog.Error(err)
		}

		if startFinished != nil {
			<-startFinished
		}

		os.Exit(exitCode)
	}()

	if err := app.Prepare(); err != nil {
		rlog.Error(err)
		exitCode = 1
		return
	}

	termCtx, termCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	startFinished = app.Start(func() {
		exitCode = 1
		termCtxCancel()
	})

	<-termCtx.Done()
}
