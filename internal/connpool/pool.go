// Package connpool manages one reusable connection handle per remote realm.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/metrics"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Factory builds an unconnected Conn for realm.
type Factory func(ctx context.Context, realm credentials.Realm) (Conn, error)

// Config controls handle periods and the sweep.
type Config struct {
	// CloseOnInactivity and KeepAlive are applied to every new handle.
	CloseOnInactivity time.Duration
	KeepAlive         time.Duration
	// SweepInterval is the period of the background sweep. Zero means no
	// background goroutine; call Sweep yourself.
	SweepInterval time.Duration
	// KeepAliveTimeout bounds a single keep-alive call.
	KeepAliveTimeout time.Duration
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard periods with a 15s sweep.
func DefaultConfig() Config {
	return Config{
		CloseOnInactivity: DefaultCloseOnInactivity,
		KeepAlive:         DefaultKeepAlive,
		SweepInterval:     15 * time.Second,
		KeepAliveTimeout:  10 * time.Second,
	}
}

// slot holds the resident handle of one realm. wake is closed whenever the
// slot changes so waiters re-check it.
type slot struct {
	handle   *Handle
	creating bool
	wake     chan struct{}
}

func (s *slot) wait() <-chan struct{} {
	if s.wake == nil {
		s.wake = make(chan struct{})
	}
	return s.wake
}

func (s *slot) notify() {
	if s.wake != nil {
		close(s.wake)
		s.wake = nil
	}
}

// Pool maps realms to handles. At most one handle per realm is resident, so
// at most one is locked at any instant; callers that find it busy wait for it.
type Pool struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	factories map[string]Factory
	slots     map[credentials.Realm]*slot
	closed    bool

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	sweepDone   sync.WaitGroup
}

// NewPool creates a pool and starts its sweep when cfg.SweepInterval > 0.
func NewPool(cfg Config) *Pool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = 10 * time.Second
	}
	p := &Pool{
		cfg:       cfg,
		log:       logging.Named("connpool"),
		factories: make(map[string]Factory),
		slots:     make(map[credentials.Realm]*slot),
		stopSweep: make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		p.sweepTicker = time.NewTicker(cfg.SweepInterval)
		p.sweepDone.Add(1)
		go p.sweepLoop()
	}
	return p
}

// RegisterFactory binds the factory used for realms of scheme.
func (p *Pool) RegisterFactory(scheme string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[scheme] = f
}

// Acquire returns the realm's handle, locked and connected.
//
// A new handle is created when none is resident. When the resident handle is
// held by someone else Acquire waits until it is released or ctx is done.
// A failed connect of a new handle discards it. A failed reconnect of the
// resident handle unlocks it and leaves it resident for the next attempt.
func (p *Pool) Acquire(ctx context.Context, realm credentials.Realm) (*Handle, error) {
	start := p.cfg.Now()
	waited := false

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		s := p.slots[realm]
		if s == nil {
			s = &slot{}
			p.slots[realm] = s
		}

		if h := s.handle; h != nil && h.Acquire() {
			p.mu.Unlock()
			if waited {
				metrics.RecordAcquireWait(realm.Scheme, p.cfg.Now().Sub(start))
			}
			if err := h.TryConnect(ctx); err != nil {
				h.Release()
				p.notify(realm)
				p.log.Warn("reconnect failed", zap.Stringer("realm", realm), zap.Error(err))
				return nil, err
			}
			metrics.RecordHandleEvent(realm.Scheme, metrics.EventReused)
			return h, nil
		}

		if s.handle == nil && !s.creating {
			s.creating = true
			p.mu.Unlock()

			h, err := p.create(ctx, realm)

			p.mu.Lock()
			s.creating = false
			closed := p.closed
			if err == nil && !closed {
				s.handle = h
			}
			s.notify()
			p.mu.Unlock()

			if err == nil && closed {
				h.Close()
				metrics.RecordHandleEvent(realm.Scheme, metrics.EventClosed)
				return nil, ErrPoolClosed
			}
			return h, err
		}

		wake := s.wait()
		p.mu.Unlock()

		waited = true
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// create builds, locks and connects a new handle.
func (p *Pool) create(ctx context.Context, realm credentials.Realm) (*Handle, error) {
	p.mu.Lock()
	factory, ok := p.factories[realm.Scheme]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no connection factory for scheme %q", vfs.ErrUnsupported, realm.Scheme)
	}

	conn, err := factory(ctx, realm)
	if err != nil {
		metrics.RecordHandleEvent(realm.Scheme, metrics.EventFailed)
		return nil, err
	}

	h := NewHandle(realm, conn, p.cfg.Now, p.log)
	h.SetCloseOnInactivity(p.cfg.CloseOnInactivity)
	h.SetKeepAlivePeriod(p.cfg.KeepAlive)
	h.Acquire()

	if err := h.TryConnect(ctx); err != nil {
		h.Close()
		metrics.RecordHandleEvent(realm.Scheme, metrics.EventFailed)
		p.log.Warn("connect failed", zap.Stringer("realm", realm), zap.Error(err))
		return nil, err
	}

	metrics.RecordHandleEvent(realm.Scheme, metrics.EventCreated)
	p.log.Debug("handle created", zap.Stringer("realm", realm), zap.String("handle", h.ID().String()))
	return h, nil
}

// Release unlocks h and wakes callers waiting for its realm. h stays resident.
// Once the pool is closed, h is closed instead and stays locked, so nothing
// can pick it up again.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		h.Close()
		metrics.RecordHandleEvent(h.Realm().Scheme, metrics.EventClosed)
		p.log.Debug("closed handle released after pool close", zap.Stringer("realm", h.Realm()))
		return
	}
	h.Release()
	p.notify(h.Realm())
}

func (p *Pool) notify(realm credentials.Realm) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[realm]; s != nil {
		s.notify()
	}
}

// Sweep closes and evicts idle handles and keeps near-idle ones alive.
// Handles that are locked are skipped.
func (p *Pool) Sweep(ctx context.Context) {
	start := time.Now()
	now := p.cfg.Now()

	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.slots))
	for _, s := range p.slots {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
	}
	p.mu.Unlock()

	for _, h := range handles {
		if !h.Acquire() {
			continue
		}

		if h.idleCloseDue(now) {
			p.evict(h)
			h.Close()
			metrics.RecordHandleEvent(h.Realm().Scheme, metrics.EventEvicted)
			p.log.Debug("closed idle handle", zap.Stringer("realm", h.Realm()), zap.String("handle", h.ID().String()))
			continue
		}

		if h.keepAliveDue(now) {
			kctx, cancel := context.WithTimeout(ctx, p.cfg.KeepAliveTimeout)
			err := h.KeepAlive(kctx)
			cancel()
			if err != nil {
				p.log.Warn("keep-alive failed", zap.Stringer("realm", h.Realm()), zap.Error(err))
			} else {
				h.TouchKeepAlive()
				metrics.RecordHandleEvent(h.Realm().Scheme, metrics.EventKeepAlive)
			}
		}
		p.Release(h)
	}

	metrics.RecordSweep(time.Since(start))
}

// evict removes h from its slot if it is still the resident handle.
func (p *Pool) evict(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[h.Realm()]
	if s == nil || s.handle != h {
		return
	}
	s.handle = nil
	s.notify()
	if !s.creating {
		delete(p.slots, h.Realm())
	}
}

func (p *Pool) sweepLoop() {
	defer p.sweepDone.Done()
	for {
		select {
		case <-p.sweepTicker.C:
			p.Sweep(context.Background())
		case <-p.stopSweep:
			return
		}
	}
}

// Len returns the number of resident handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.handle != nil {
			n++
		}
	}
	return n
}

// Resident returns the resident handle of realm, or nil.
func (p *Pool) Resident(realm credentials.Realm) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[realm]; s != nil {
		return s.handle
	}
	return nil
}

// Close stops the sweep and closes every unlocked handle. Locked handles are
// left to their holders. Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slots
	p.slots = make(map[credentials.Realm]*slot)
	p.mu.Unlock()

	if p.sweepTicker != nil {
		p.sweepTicker.Stop()
		close(p.stopSweep)
		p.sweepDone.Wait()
	}

	for realm, s := range slots {
		p.mu.Lock()
		h := s.handle
		s.handle = nil
		s.notify()
		p.mu.Unlock()

		if h == nil {
			continue
		}
		if !h.Acquire() {
			p.log.Debug("busy handle will close on release", zap.Stringer("realm", realm))
			continue
		}
		h.Close()
		metrics.RecordHandleEvent(realm.Scheme, metrics.EventClosed)
	}
	return nil
}
