// Package remotetest provides an in-memory object store for testing code
// built on remote.Client.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/remote"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Object is a stored object.
type Object struct {
	Key          string
	Data         []byte
	LastModified time.Time
}

// Store is a set of buckets shared by every Client it hands out.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Object
	now     func() time.Time
	fail    map[string]error
	calls   map[string]int
	clients []*Client
}

// NewStore creates a store holding the given empty buckets.
func NewStore(buckets ...string) *Store {
	s := &Store{
		buckets: make(map[string]map[string]*Object),
		now:     time.Now,
		fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
	for _, b := range buckets {
		s.buckets[b] = make(map[string]*Object)
	}
	return s
}

// SetClock sets the clock used for modification times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOn makes every later call of op fail with err. A nil err clears it.
// Ops are "connect", "keepalive", "head", "list", "get", "put", "copy" and
// "delete".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls returns how often op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Put stores data under key directly.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]*Object)
		s.buckets[bucket] = b
	}
	b[key] = &Object{Key: key, Data: append([]byte(nil), data...), LastModified: s.now()}
}

// Object returns a copy of the stored object.
func (s *Store) Object(bucket, key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.buckets[bucket][key]
	if !ok {
		return Object{}, false
	}
	return Object{Key: o.Key, Data: append([]byte(nil), o.Data...), LastModified: o.LastModified}, true
}

// Keys returns the sorted keys of bucket.
func (s *Store) Keys(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Factory returns a connection factory handing out clients of this store.
func (s *Store) Factory() connpool.Factory {
	return func(ctx context.Context, realm credentials.Realm) (connpool.Conn, error) {
		c := &Client{store: s}
		s.mu.Lock()
		s.clients = append(s.clients, c)
		s.mu.Unlock()
		return c, nil
	}
}

// Clients returns the clients created by Factory so far.
func (s *Store) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Client(nil), s.clients...)
}

func (s *Store) enter(op string) error {
	s.calls[op]++
	return s.fail[op]
}

// Client is one connection to a Store.
type Client struct {
	store *Store

	mu        sync.Mutex
	connected bool
	busy      bool
	overlaps  int
}

var _ remote.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	c.store.mu.Lock()
	err := c.store.enter("connect")
	c.store.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) KeepAlive(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.store.enter("keepalive")
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// Overlaps reports how many calls started while another call on this client
// was still running.
func (c *Client) Overlaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlaps
}

func (c *Client) begin() func() {
	c.mu.Lock()
	if c.busy {
		c.overlaps++
	}
	c.busy = true
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}
}

func (c *Client) bucket(name string) (map[string]*Object, error) {
	b, ok := c.store.buckets[name]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", name, vfs.ErrNotFound)
	}
	return b, nil
}

func info(o *Object) remote.ObjectInfo {
	return remote.ObjectInfo{Key: o.Key, Size: int64(len(o.Data)), LastModified: o.LastModified}
}

func (c *Client) Head(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	defer c.begin()()
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.store.enter("head"); err != nil {
		return remote.ObjectInfo{}, err
	}
	b, err := c.bucket(bucket)
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	o, ok := b[key]
	if !ok {
		return remote.ObjectInfo{}, fmt.Errorf("object %s: %w", key, vfs.ErrNotFound)
	}
	return info(o), nil
}

func (c *Client) List(ctx context.Context, bucket, prefix, delimiter string, max int) ([]remote.ObjectInfo, error) {
	defer c.begin()()
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.store.enter("list"); err != nil {
		return nil, err
	}
	b, err := c.bucket(bucket)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	objects := make([]remote.ObjectInfo, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, info(b[k]))
	}
	return remote.FoldPrefixes(objects, prefix, delimiter, max), nil
}

func (c *Client) Get(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	defer c.begin()()
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.store.enter("get"); err != nil {
		return nil, err
	}
	b, err := c.bucket(bucket)
	if err != nil {
		return nil, err
	}
	o, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, vfs.ErrNotFound)
	}

	size := int64(len(o.Data))
	if offset >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), o.Data[offset:end]...))), nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (remote.ObjectInfo, error) {
	defer c.begin()()
	c.store.mu.Lock()
	if err := c.store.enter("put"); err != nil {
		c.store.mu.Unlock()
		return remote.ObjectInfo{}, err
	}
	if _, err := c.bucket(bucket); err != nil {
		c.store.mu.Unlock()
		return remote.ObjectInfo{}, err
	}
	c.store.mu.Unlock()

	data, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	if int64(len(data)) != size {
		return remote.ObjectInfo{}, fmt.Errorf("short body: got %d of %d bytes", len(data), size)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	o := &Object{Key: key, Data: data, LastModified: c.store.now()}
	c.store.buckets[bucket][key] = o
	return info(o), nil
}

func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (remote.ObjectInfo, error) {
	defer c.begin()()
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.store.enter("copy"); err != nil {
		return remote.ObjectInfo{}, err
	}
	sb, err := c.bucket(srcBucket)
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	db, err := c.bucket(dstBucket)
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	src, ok := sb[srcKey]
	if !ok {
		return remote.ObjectInfo{}, fmt.Errorf("object %s: %w", srcKey, vfs.ErrNotFound)
	}
	o := &Object{Key: dstKey, Data: append([]byte(nil), src.Data...), LastModified: c.store.now()}
	db[dstKey] = o
	return info(o), nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	defer c.begin()()
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if err := c.store.enter("delete"); err != nil {
		return err
	}
	b, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	delete(b, key)
	return nil
}
