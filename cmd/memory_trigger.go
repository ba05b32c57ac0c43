package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/ShoshinNikita/assetcache/pkg/rlog"
)

// memoryTrigger calls onLowMemory every time the process receives a low memory signal
// (SIGUSR1 on unix systems).
type memoryTrigger struct {
	onLowMemory func()

	sigCh    chan os.Signal
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newMemoryTrigger(onLowMemory func()) *memoryTrigger {
	return &memoryTrigger{
		onLowMemory: onLowMemory,
		sigCh:       make(chan os.Signal, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (t *memoryTrigger) Start() error {
	defer close(t.doneCh)

	if lowMemorySignal == nil {
		rlog.Debug("low memory signal is not supported")
		<-t.stopCh
		return nil
	}

	signal.Notify(t.sigCh, lowMemorySignal)
	defer signal.Stop(t.sigCh)

	for {
		select {
		case <-t.stopCh:
			return nil
		case sig := <-t.sigCh:
			rlog.Infof("got %s signal, clear memory cache", sig)
			t.onLowMemory()
		}
	}
}

func (t *memoryTrigger) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return nil
	}
}
