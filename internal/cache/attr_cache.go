package cache

import (
	"context"
	"io/fs"
	"sync"
	"time"

	"github.com/s3fs-fuse/remotefs/internal/metrics"
)

// DefaultAttrTTL is how long a snapshot is trusted.
const DefaultAttrTTL = 60 * time.Second

// Snapshot is the cached metadata of one remote entry.
type Snapshot struct {
	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
	Owner   string
}

// RefreshFunc fetches fresh metadata from the remote side.
type RefreshFunc func(ctx context.Context) (Snapshot, error)

// AttrCache holds the snapshot of a single entry and refreshes it once its
// TTL has passed. It is owned by one entry and never shared.
type AttrCache struct {
	mu        sync.Mutex
	snap      Snapshot
	expiresAt time.Time
	lastErr   error
	ttl       time.Duration
	refresh   RefreshFunc
	now       func() time.Time
}

// NewAttrCache creates an empty cache; the first read refreshes it.
func NewAttrCache(ttl time.Duration, refresh RefreshFunc) *AttrCache {
	if ttl <= 0 {
		ttl = DefaultAttrTTL
	}
	return &AttrCache{
		ttl:     ttl,
		refresh: refresh,
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry.
func (c *AttrCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL returns the time-to-live of a snapshot.
func (c *AttrCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the snapshot, refreshing it first if it has expired.
// A failed refresh yields a snapshot with Exists == false; the error is kept
// in LastErr.
func (c *AttrCache) Get(ctx context.Context) Snapshot {
	s, _ := c.Fetch(ctx)
	return s
}

// Fetch is Get for explicit operations: it also returns the error of the
// refresh that produced the snapshot, if any.
func (c *AttrCache) Fetch(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Before(c.expiresAt) {
		metrics.RecordAttrCacheLookup(true)
		return c.snap, c.lastErr
	}
	metrics.RecordAttrCacheLookup(false)
	c.refreshLocked(ctx)
	return c.snap, c.lastErr
}

// Refresh fetches fresh metadata regardless of expiry.
func (c *AttrCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(ctx)
	return c.lastErr
}

func (c *AttrCache) refreshLocked(ctx context.Context) {
	s, err := c.refresh(ctx)
	if err != nil {
		s = Snapshot{}
	}
	c.snap = s
	c.lastErr = err
	c.expiresAt = c.now().Add(c.ttl)
}

// InvalidateAndSet makes s the current snapshot and restarts its TTL.
func (c *AttrCache) InvalidateAndSet(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = s
	c.lastErr = nil
	c.expiresAt = c.now().Add(c.ttl)
}

// Update applies fn to the current snapshot and restarts its TTL.
func (c *AttrCache) Update(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.snap)
	c.lastErr = nil
	c.expiresAt = c.now().Add(c.ttl)
}

// Invalidate forces the next read to refresh.
func (c *AttrCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = time.Time{}
}

// Peek returns the snapshot as stored, without checking expiry.
func (c *AttrCache) Peek() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// LastErr returns the error of the most recent refresh, or nil.
func (c *AttrCache) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ExpiresAt returns when the current snapshot stops being trusted.
func (c *AttrCache) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}
