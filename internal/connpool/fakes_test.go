package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/s3fs-fuse/remotefs/internal/credentials"
)

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	keepAliveErr error
	closeErr     error
	connects     int
	keepAlives   int
	closes       int
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) KeepAlive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlives++
	return c.keepAliveErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.connected = false
	return c.closeErr
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeConn) setConnectErr(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

func (c *fakeConn) counts() (connects, keepAlives, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.keepAlives, c.closes
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// connFactory hands out fakeConns and remembers them in creation order.
type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  func() *fakeConn
	err   error
}

func (f *connFactory) factory(ctx context.Context, realm credentials.Realm) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{}
	if f.next != nil {
		c = f.next()
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *connFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *connFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

var errDial = errors.New("dial tcp: connection refused")

var (
	realmA = credentials.Realm{Scheme: "s3", Host: "a.example.com", Port: 443, Credentials: credentials.Credentials{Login: "k", Password: "s"}}
	realmB = credentials.Realm{Scheme: "s3", Host: "b.example.com", Port: 443, Credentials: credentials.Credentials{Login: "k", Password: "s"}}
)
