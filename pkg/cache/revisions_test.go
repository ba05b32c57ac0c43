package cache

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/assetcache/assetcache"
)

func TestRevisionTracker(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	tracker := NewRevisionTracker()
	r.False(tracker.HasChecked("a"))

	tracker.MarkChecked("a")
	tracker.MarkChecked("a")
	r.True(tracker.HasChecked("a"))
	r.False(tracker.HasChecked("b"))
	r.Equal(1, tracker.Len())

	tracker.Reset()
	r.False(tracker.HasChecked("a"))
	r.Equal(0, tracker.Len())

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := assetcache.Key(strconv.Itoa(i*100 + j))
				tracker.MarkChecked(key)
				r.True(tracker.HasChecked(key))
			}
		}()
	}
	wg.Wait()
	r.Equal(1000, tracker.Len())
}
