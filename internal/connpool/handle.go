package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Disabled turns off idle closing or keep-alive when used as a period.
const Disabled time.Duration = -1

const (
	// DefaultCloseOnInactivity is how long an unused handle stays open.
	DefaultCloseOnInactivity = 300 * time.Second
	// DefaultKeepAlive leaves keep-alive off.
	DefaultKeepAlive = Disabled
)

// Conn is one physical connection to a realm, supplied by a protocol backend.
type Conn interface {
	// Connect establishes the connection. It is only called when IsConnected is false.
	Connect(ctx context.Context) error
	// IsConnected must not block.
	IsConnected() bool
	// KeepAlive sends a protocol no-op. Backends without one return nil.
	KeepAlive(ctx context.Context) error
	Close() error
}

// Handle guards one Conn with a single lock flag and tracks its activity.
//
// The lock is a flag, not a queue: Acquire fails fast when the handle is
// already held, and waiting is left to the Pool.
type Handle struct {
	id    uuid.UUID
	realm credentials.Realm
	conn  Conn
	now   func() time.Time
	log   *zap.Logger

	mu                sync.Mutex
	locked            bool
	lastActivity      time.Time
	lastKeepAlive     time.Time
	closeOnInactivity time.Duration
	keepAlive         time.Duration
}

// NewHandle wraps conn for realm. now may be nil to use time.Now.
func NewHandle(realm credentials.Realm, conn Conn, now func() time.Time, log *zap.Logger) *Handle {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := now()
	id := uuid.New()
	return &Handle{
		id:                id,
		realm:             realm,
		conn:              conn,
		now:               now,
		log:               log.With(zap.String("handle", id.String()), zap.Stringer("realm", realm)),
		lastActivity:      t,
		lastKeepAlive:     t,
		closeOnInactivity: DefaultCloseOnInactivity,
		keepAlive:         DefaultKeepAlive,
	}
}

func (h *Handle) ID() uuid.UUID            { return h.id }
func (h *Handle) Realm() credentials.Realm { return h.realm }
func (h *Handle) Conn() Conn               { return h.conn }

// TryConnect connects the handle unless it already is. Transport failures are
// tagged with vfs.ErrConnection; errors already tagged vfs.ErrAuth keep that tag.
func (h *Handle) TryConnect(ctx context.Context) error {
	if h.conn.IsConnected() {
		return nil
	}
	if err := h.conn.Connect(ctx); err != nil {
		if errors.Is(err, vfs.ErrAuth) || errors.Is(err, vfs.ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", vfs.ErrConnection, h.realm, err)
	}
	h.log.Debug("connected")
	return nil
}

// IsConnected reports the connection's liveness without blocking.
func (h *Handle) IsConnected() bool {
	return h.conn.IsConnected()
}

// Close releases the physical connection. Failures are logged, never returned.
func (h *Handle) Close() {
	if err := h.conn.Close(); err != nil {
		h.log.Warn("close failed", zap.Error(err))
		return
	}
	h.log.Debug("closed")
}

// KeepAlive sends a protocol ping. ctx bounds how long it may block.
func (h *Handle) KeepAlive(ctx context.Context) error {
	return h.conn.KeepAlive(ctx)
}

// Acquire locks the handle. It returns false if the handle is already locked.
func (h *Handle) Acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		return false
	}
	h.locked = true
	return true
}

// Release unlocks the handle. It returns false, and logs the misuse, if the
// handle was not locked.
func (h *Handle) Release() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.locked {
		h.log.Warn("release of a handle that is not locked")
		return false
	}
	h.locked = false
	return true
}

// Locked reports whether the handle is currently held.
func (h *Handle) Locked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// TouchActivity records a successful operation.
func (h *Handle) TouchActivity() {
	t := h.now()
	h.mu.Lock()
	h.lastActivity = t
	h.mu.Unlock()
}

// TouchKeepAlive records a keep-alive.
func (h *Handle) TouchKeepAlive() {
	t := h.now()
	h.mu.Lock()
	h.lastKeepAlive = t
	h.mu.Unlock()
}

func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

func (h *Handle) LastKeepAlive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastKeepAlive
}

func (h *Handle) CloseOnInactivity() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeOnInactivity
}

// SetCloseOnInactivity sets the idle period after which the sweep closes the
// handle. Disabled keeps it open forever.
func (h *Handle) SetCloseOnInactivity(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeOnInactivity = d
}

func (h *Handle) KeepAlivePeriod() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keepAlive
}

// SetKeepAlivePeriod sets how often an idle handle is pinged. Disabled turns it off.
func (h *Handle) SetKeepAlivePeriod(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepAlive = d
}

func (h *Handle) idleCloseDue(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeOnInactivity >= 0 && now.Sub(h.lastActivity) > h.closeOnInactivity
}

func (h *Handle) keepAliveDue(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keepAlive >= 0 &&
		now.Sub(h.lastActivity) > h.keepAlive &&
		now.Sub(h.lastKeepAlive) > h.keepAlive
}
