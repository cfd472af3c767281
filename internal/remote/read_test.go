package remote_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

func TestOpenRandomScatteredReads(t *testing.T) {
	f := newFixture(t)
	data := make([]byte, 5*8192+123)
	rng := rand.New(rand.NewSource(11))
	_, _ = rng.Read(data)
	f.store.Put("bucket", "blob", data)

	e := f.open(t, "s3://example.com/bucket/blob")
	r, err := e.OpenRandom(context.Background())
	require.NoError(t, err)
	defer r.Close()
	assert.EqualValues(t, len(data), r.Length())

	for i := 0; i < 100; i++ {
		off := rng.Int63n(int64(len(data)))
		buf := make([]byte, rng.Intn(20000)+1)
		n, err := r.ReadAt(buf, off)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
		}
		require.True(t, bytes.Equal(data[off:off+int64(n)], buf[:n]))
	}

	_, err = r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, all))
}

func TestOpenRandomLengthIsFixedAtOpen(t *testing.T) {
	f := newFixture(t)
	f.store.Put("bucket", "grow", []byte("short"))

	e := f.open(t, "s3://example.com/bucket/grow")
	r, err := e.OpenRandom(context.Background())
	require.NoError(t, err)
	defer r.Close()

	f.store.Put("bucket", "grow", []byte("much longer content"))
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestOpenRandomRequiresExistingFile(t *testing.T) {
	f := newFixture(t)
	f.store.Put("bucket", "dir/", nil)
	ctx := context.Background()

	_, err := f.open(t, "s3://example.com/bucket/missing").OpenRandom(ctx)
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	_, err = f.open(t, "s3://example.com/bucket/dir").OpenRandom(ctx)
	assert.ErrorIs(t, err, vfs.ErrUnsupported)
}

func TestOpenReaderFromOffset(t *testing.T) {
	f := newFixture(t)
	f.store.Put("bucket", "greeting", []byte("hello world"))
	ctx := context.Background()

	e := f.open(t, "s3://example.com/bucket/greeting")
	rc, err := e.OpenReader(ctx, 6)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	_, err = e.OpenReader(ctx, -1)
	assert.Error(t, err)

	_, err = f.open(t, "s3://example.com/bucket/missing").OpenReader(ctx, 0)
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestOpenReaderReleasesConnection(t *testing.T) {
	f := newFixture(t)
	f.store.Put("bucket", "a", []byte("aaaa"))
	f.store.Put("bucket", "b", []byte("bbbb"))
	ctx := context.Background()

	ra, err := f.open(t, "s3://example.com/bucket/a").OpenReader(ctx, 0)
	require.NoError(t, err)
	defer ra.Close()

	rb, err := f.open(t, "s3://example.com/bucket/b").OpenReader(ctx, 0)
	require.NoError(t, err)
	defer rb.Close()

	b, err := io.ReadAll(rb)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(b))
}
