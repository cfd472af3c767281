package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// DefaultEntryCacheSize bounds an EntryCache when no size is given.
const DefaultEntryCacheSize = 10000

type cachedEntry struct {
	entry      vfs.Entry
	expiresAt  time.Time
	lastAccess time.Time
}

// EntryCache maps mount paths to opened entries so that each path keeps one
// adapter, and with it one attribute snapshot, for as long as it is cached.
type EntryCache struct {
	mu            sync.Mutex
	entries       map[string]*cachedEntry
	maxSize       int
	ttl           time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewEntryCache creates a cache and starts its expiry goroutine.
func NewEntryCache(maxSize int, ttl time.Duration) *EntryCache {
	if maxSize <= 0 {
		maxSize = DefaultEntryCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultAttrTTL
	}
	ec := &EntryCache{
		entries:     make(map[string]*cachedEntry),
		maxSize:     maxSize,
		ttl:         ttl,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	ec.cleanupTicker = time.NewTicker(ttl / 2)
	go ec.cleanupExpired()

	return ec
}

// SetClock replaces the clock used for expiry.
func (ec *EntryCache) SetClock(now func() time.Time) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.now = now
}

// Get returns the entry cached for path.
func (ec *EntryCache) Get(path string) (vfs.Entry, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ce, ok := ec.entries[path]
	if !ok {
		return nil, false
	}
	now := ec.now()
	if now.After(ce.expiresAt) {
		delete(ec.entries, path)
		return nil, false
	}
	ce.lastAccess = now
	return ce.entry, true
}

// Set caches e under path.
func (ec *EntryCache) Set(path string, e vfs.Entry) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if _, ok := ec.entries[path]; !ok {
		ec.truncateIfNeeded()
	}
	now := ec.now()
	ec.entries[path] = &cachedEntry{
		entry:      e,
		expiresAt:  now.Add(ec.ttl),
		lastAccess: now,
	}
}

// Delete removes path from the cache.
func (ec *EntryCache) Delete(path string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.entries, path)
}

// DeletePrefix removes path and everything below it.
func (ec *EntryCache) DeletePrefix(path string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	dir := path
	if dir != "/" {
		dir += "/"
	}
	for p := range ec.entries {
		if p == path || len(p) > len(dir) && p[:len(dir)] == dir {
			delete(ec.entries, p)
		}
	}
}

// Clear empties the cache.
func (ec *EntryCache) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.entries = make(map[string]*cachedEntry)
}

// Size returns the number of cached entries.
func (ec *EntryCache) Size() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.entries)
}

// truncateIfNeeded drops least recently used entries to make room for one more.
func (ec *EntryCache) truncateIfNeeded() {
	if len(ec.entries) < ec.maxSize {
		return
	}

	type byAccess struct {
		path       string
		lastAccess time.Time
	}
	all := make([]byAccess, 0, len(ec.entries))
	for p, ce := range ec.entries {
		all = append(all, byAccess{p, ce.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastAccess.Before(all[j].lastAccess) })

	toRemove := len(ec.entries) - ec.maxSize + 1
	for i := 0; i < toRemove && i < len(all); i++ {
		delete(ec.entries, all[i].path)
	}
}

func (ec *EntryCache) cleanupExpired() {
	for {
		select {
		case <-ec.cleanupTicker.C:
			ec.removeExpired()
		case <-ec.stopCleanup:
			return
		}
	}
}

func (ec *EntryCache) removeExpired() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	now := ec.now()
	for p, ce := range ec.entries {
		if now.After(ce.expiresAt) {
			delete(ec.entries, p)
		}
	}
}

// Close stops the expiry goroutine.
func (ec *EntryCache) Close() {
	ec.closeOnce.Do(func() {
		ec.cleanupTicker.Stop()
		close(ec.stopCleanup)
	})
}
