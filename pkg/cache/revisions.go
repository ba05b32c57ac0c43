package cache

import (
	"sync"

	"github.com/ShoshinNikita/assetcache/assetcache"
)

// RevisionTracker remembers keys whose revisions have been checked during
// the current session. It never evicts keys, only [RevisionTracker.Reset]
// removes them.
type RevisionTracker struct {
	mu      sync.Mutex
	checked map[assetcache.Key]struct{}
}

func NewRevisionTracker() *RevisionTracker {
	return &RevisionTracker{
		checked: make(map[assetcache.Key]struct{}),
	}
}

func (t *RevisionTracker) HasChecked(key assetcache.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.checked[key]
	return ok
}

func (t *RevisionTracker) MarkChecked(key assetcache.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.checked[key] = struct{}{}
}

// Reset starts a new session.
func (t *RevisionTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.checked)
}

func (t *RevisionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.checked)
}
