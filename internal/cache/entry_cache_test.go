package cache

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

type stubEntry struct{ name string }

func (s stubEntry) Attributes(context.Context) vfs.Attributes { return vfs.Attributes{} }
func (s stubEntry) Stat(context.Context) (vfs.Attributes, error) {
	return vfs.Attributes{}, nil
}
func (s stubEntry) URL() *url.URL { return &url.URL{Scheme: "file", Path: "/" + s.name} }
func (s stubEntry) Name() string  { return s.name }

func TestEntryCacheSetAndGet(t *testing.T) {
	ec := NewEntryCache(10, time.Minute)
	defer ec.Close()

	ec.Set("/a", stubEntry{"a"})
	e, ok := ec.Get("/a")
	if !ok {
		t.Fatal("entry not found")
	}
	if e.Name() != "a" {
		t.Errorf("expected a, got %s", e.Name())
	}
	if _, ok := ec.Get("/b"); ok {
		t.Error("unexpected hit for /b")
	}
}

func TestEntryCacheExpiration(t *testing.T) {
	ec := NewEntryCache(10, time.Minute)
	defer ec.Close()
	clock := newTestClock()
	ec.SetClock(clock.Now)

	ec.Set("/a", stubEntry{"a"})
	clock.Advance(61 * time.Second)

	if _, ok := ec.Get("/a"); ok {
		t.Error("entry should have expired")
	}
	if ec.Size() != 0 {
		t.Errorf("expired entry should be dropped, size %d", ec.Size())
	}
}

func TestEntryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	ec := NewEntryCache(3, time.Hour)
	defer ec.Close()
	clock := newTestClock()
	ec.SetClock(clock.Now)

	for _, p := range []string{"/a", "/b", "/c"} {
		ec.Set(p, stubEntry{p})
		clock.Advance(time.Second)
	}
	ec.Get("/a")
	clock.Advance(time.Second)

	ec.Set("/d", stubEntry{"d"})

	if ec.Size() != 3 {
		t.Fatalf("expected size 3, got %d", ec.Size())
	}
	if _, ok := ec.Get("/b"); ok {
		t.Error("/b was least recently used and should be gone")
	}
	for _, p := range []string{"/a", "/c", "/d"} {
		if _, ok := ec.Get(p); !ok {
			t.Errorf("%s should still be cached", p)
		}
	}
}

func TestEntryCacheDeletePrefix(t *testing.T) {
	ec := NewEntryCache(10, time.Hour)
	defer ec.Close()

	for _, p := range []string{"/dir", "/dir/x", "/dir/y/z", "/dirt", "/other"} {
		ec.Set(p, stubEntry{p})
	}
	ec.DeletePrefix("/dir")

	for _, p := range []string{"/dir", "/dir/x", "/dir/y/z"} {
		if _, ok := ec.Get(p); ok {
			t.Errorf("%s should be removed", p)
		}
	}
	for _, p := range []string{"/dirt", "/other"} {
		if _, ok := ec.Get(p); !ok {
			t.Errorf("%s should survive", p)
		}
	}
}

func TestEntryCacheCleanup(t *testing.T) {
	ec := NewEntryCache(10, 20*time.Millisecond)
	defer ec.Close()

	ec.Set("/a", stubEntry{"a"})
	time.Sleep(100 * time.Millisecond)

	if ec.Size() != 0 {
		t.Errorf("cleanup should have removed the entry, size %d", ec.Size())
	}
}

func TestEntryCacheClearAndClose(t *testing.T) {
	ec := NewEntryCache(10, time.Hour)
	ec.Set("/a", stubEntry{"a"})
	ec.Clear()
	if ec.Size() != 0 {
		t.Errorf("expected empty cache, got %d", ec.Size())
	}
	ec.Close()
	ec.Close()
}
