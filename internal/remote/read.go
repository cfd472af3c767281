package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/s3fs-fuse/remotefs/internal/blockio"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/metrics"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// OpenReader streams the object from offset to its end. The connection is
// released once the request has been issued.
func (e *Entry) OpenReader(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, vfs.PathError("open", e.String(), fmt.Errorf("negative offset %d", offset))
	}
	var body io.ReadCloser
	err := e.withHandle(ctx, "get", func(c Client) error {
		var err error
		body, err = c.Get(ctx, e.bucket, e.objectKey(), offset, -1)
		return err
	})
	if err != nil {
		return nil, vfs.PathError("open", e.String(), err)
	}
	return &countingReader{ReadCloser: body, scheme: e.realm.Scheme}, nil
}

type countingReader struct {
	io.ReadCloser
	scheme string
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		metrics.RecordBytesRead(r.scheme, n)
	}
	return n, err
}

// OpenRandom returns a chunked random-access reader over the object. Its
// length is the size known when it was opened.
func (e *Entry) OpenRandom(ctx context.Context) (vfs.RandomAccessReader, error) {
	s, err := e.attrs.Fetch(ctx)
	if err != nil {
		return nil, vfs.PathError("open", e.String(), err)
	}
	if !s.Exists {
		return nil, vfs.PathError("open", e.String(), vfs.ErrNotFound)
	}
	if s.IsDir {
		return nil, vfs.PathError("open", e.String(), fmt.Errorf("%w: is a directory", vfs.ErrUnsupported))
	}

	r := blockio.NewReader(ctx, blockio.SourceFunc(e.readBlock), s.Size, blockio.WithBlockSize(e.b.blockSize))
	return &randomReader{Reader: r, realm: e.realm}, nil
}

// readBlock fetches one block with a ranged get.
func (e *Entry) readBlock(ctx context.Context, off int64, p []byte) (int, error) {
	var (
		n   int
		eof bool
	)
	err := e.withHandle(ctx, "get_range", func(c Client) error {
		body, err := c.Get(ctx, e.bucket, e.objectKey(), off, int64(len(p)))
		if err != nil {
			return err
		}
		defer body.Close()
		n, err = io.ReadFull(body, p)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			eof = true
			return nil
		}
		return err
	})
	if n > 0 {
		metrics.RecordBytesRead(e.realm.Scheme, n)
	}
	if err != nil {
		return n, vfs.PathError("read", e.String(), err)
	}
	if eof {
		return n, io.EOF
	}
	return n, nil
}

// randomReader remembers the realm it reads from, so an upload into the same
// realm knows it must not hold the connection while reading.
type randomReader struct {
	*blockio.Reader
	realm credentials.Realm
}

func (r *randomReader) Realm() credentials.Realm { return r.realm }

type realmBound interface {
	Realm() credentials.Realm
}
