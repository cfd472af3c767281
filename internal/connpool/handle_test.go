package connpool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

func TestHandleAcquireRelease(t *testing.T) {
	h := NewHandle(realmA, &fakeConn{}, nil, nil)

	assert.True(t, h.Acquire())
	assert.True(t, h.Locked())
	assert.False(t, h.Acquire(), "second acquire must fail fast")

	assert.True(t, h.Release())
	assert.False(t, h.Locked())
	assert.False(t, h.Release(), "release of an unlocked handle reports misuse")
}

func TestHandleDefaults(t *testing.T) {
	clock := newFakeClock()
	h := NewHandle(realmA, &fakeConn{}, clock.Now, nil)

	assert.Equal(t, 300*time.Second, h.CloseOnInactivity())
	assert.Equal(t, Disabled, h.KeepAlivePeriod())
	assert.Equal(t, clock.Now(), h.LastActivity())
	assert.Equal(t, clock.Now(), h.LastKeepAlive())
	assert.Equal(t, realmA, h.Realm())
	assert.NotEqual(t, h.ID(), NewHandle(realmA, &fakeConn{}, nil, nil).ID())
}

func TestHandleTouch(t *testing.T) {
	clock := newFakeClock()
	h := NewHandle(realmA, &fakeConn{}, clock.Now, nil)

	clock.Advance(time.Minute)
	h.TouchActivity()
	assert.Equal(t, clock.Now(), h.LastActivity())

	clock.Advance(time.Minute)
	h.TouchKeepAlive()
	assert.Equal(t, clock.Now(), h.LastKeepAlive())
	assert.Equal(t, clock.Now().Add(-time.Minute), h.LastActivity())
}

func TestHandleTryConnectIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	h := NewHandle(realmA, conn, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.TryConnect(ctx))
	require.NoError(t, h.TryConnect(ctx))
	connects, _, _ := conn.counts()
	assert.Equal(t, 1, connects)
	assert.True(t, h.IsConnected())

	conn.drop()
	assert.False(t, h.IsConnected())
	require.NoError(t, h.TryConnect(ctx))
	connects, _, _ = conn.counts()
	assert.Equal(t, 2, connects)
}

func TestHandleTryConnectTagsErrors(t *testing.T) {
	ctx := context.Background()

	h := NewHandle(realmA, &fakeConn{connectErr: errDial}, nil, nil)
	err := h.TryConnect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, vfs.ErrConnection)
	assert.ErrorIs(t, err, errDial)

	authErr := fmt.Errorf("%w: bad key", vfs.ErrAuth)
	h = NewHandle(realmA, &fakeConn{connectErr: authErr}, nil, nil)
	err = h.TryConnect(ctx)
	assert.ErrorIs(t, err, vfs.ErrAuth)
	assert.False(t, errors.Is(err, vfs.ErrConnection))
}

func TestHandleCloseSwallowsErrors(t *testing.T) {
	conn := &fakeConn{connected: true, closeErr: errors.New("broken pipe")}
	h := NewHandle(realmA, conn, nil, nil)

	h.Close()
	_, _, closes := conn.counts()
	assert.Equal(t, 1, closes)
	assert.False(t, h.IsConnected())
}

func TestHandleDuePredicates(t *testing.T) {
	clock := newFakeClock()
	h := NewHandle(realmA, &fakeConn{}, clock.Now, nil)
	h.SetKeepAlivePeriod(5 * time.Second)
	h.SetCloseOnInactivity(Disabled)

	now := clock.Now().Add(6 * time.Second)
	assert.True(t, h.keepAliveDue(now))
	assert.False(t, h.idleCloseDue(now.Add(24*time.Hour)))

	h.SetCloseOnInactivity(10 * time.Second)
	assert.False(t, h.idleCloseDue(now))
	assert.True(t, h.idleCloseDue(now.Add(5*time.Second)))

	h.SetKeepAlivePeriod(Disabled)
	assert.False(t, h.keepAliveDue(now))
}
