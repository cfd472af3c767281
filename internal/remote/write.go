package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/cache"
	"github.com/s3fs-fuse/remotefs/internal/metrics"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

const stagingPrefix = "remotefs-upload-"

// Upload replaces the object with the content of src.
//
// Protocols need the length before the first byte, so only sized, seekable
// sources go straight to the server. Everything else is drained into a
// staging file first. A random-access reader from this entry's realm is
// always staged: reading it needs the same connection the upload holds.
func (e *Entry) Upload(ctx context.Context, src io.Reader, append bool) error {
	if append {
		return vfs.NewTransferError(vfs.PhaseOpeningDestination,
			vfs.PathError("upload", e.String(), fmt.Errorf("%w: append", vfs.ErrUnsupported)))
	}
	if e.isRoot() {
		return vfs.NewTransferError(vfs.PhaseOpeningDestination,
			vfs.PathError("upload", e.String(), fmt.Errorf("%w: cannot write a bucket root", vfs.ErrUnsupported)))
	}

	if e.canUploadDirect(src) {
		return e.uploadDirect(ctx, src)
	}
	return e.uploadStaged(ctx, src)
}

func (e *Entry) canUploadDirect(src io.Reader) bool {
	if _, ok := src.(vfs.Sized); !ok {
		return false
	}
	if _, ok := src.(io.Seeker); !ok {
		return false
	}
	if rb, ok := src.(realmBound); ok && rb.Realm() == e.realm {
		return false
	}
	return true
}

func (e *Entry) uploadDirect(ctx context.Context, src io.Reader) error {
	pos, err := src.(io.Seeker).Seek(0, io.SeekCurrent)
	if err != nil {
		return vfs.NewTransferError(vfs.PhaseReadingSource, vfs.PathError("upload", e.String(), err))
	}
	size := src.(vfs.Sized).Length() - pos
	if size < 0 {
		return vfs.NewTransferError(vfs.PhaseReadingSource,
			vfs.PathError("upload", e.String(), fmt.Errorf("source position %d past its end", pos)))
	}

	if err := e.put(ctx, src, size); err != nil {
		return vfs.NewTransferError(vfs.PhaseUnknown, vfs.PathError("upload", e.String(), err))
	}
	return nil
}

func (e *Entry) uploadStaged(ctx context.Context, src io.Reader) error {
	f, err := e.b.staging.TempFile("", stagingPrefix)
	if err != nil {
		return vfs.NewTransferError(vfs.PhaseOpeningDestination, vfs.PathError("upload", e.String(), err))
	}
	name := f.Name()
	defer e.removeStaged(name)

	size, err := vfs.Drain(f, src)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = vfs.NewTransferError(vfs.PhaseWritingDestination, cerr)
	}
	if err != nil {
		return vfs.NewTransferError(vfs.PhaseUnknown, vfs.PathError("upload", e.String(), err))
	}

	return e.putStaged(ctx, name, size)
}

// putStaged uploads the staging file name of size bytes.
func (e *Entry) putStaged(ctx context.Context, name string, size int64) error {
	in, err := e.b.staging.Open(name)
	if err != nil {
		return vfs.NewTransferError(vfs.PhaseOpeningSource, vfs.PathError("upload", e.String(), err))
	}
	defer in.Close()

	if err := e.put(ctx, in, size); err != nil {
		return vfs.NewTransferError(vfs.PhaseWritingDestination, vfs.PathError("upload", e.String(), err))
	}
	return nil
}

// put sends size bytes of body and records the new attributes locally.
func (e *Entry) put(ctx context.Context, body io.Reader, size int64) error {
	var info ObjectInfo
	err := e.withHandle(ctx, "put", func(c Client) error {
		var err error
		info, err = c.Put(ctx, e.bucket, e.objectKey(), body, size)
		return err
	})
	if err != nil {
		return err
	}
	metrics.RecordBytesUploaded(e.realm.Scheme, size)

	mod := info.LastModified
	if mod.IsZero() {
		mod = e.b.now()
	}
	e.attrs.Update(func(s *cache.Snapshot) {
		s.Exists = true
		s.IsDir = false
		s.Size = size
		s.ModTime = mod
		if s.Mode == 0 || s.Mode.IsDir() {
			s.Mode = vfs.DefaultFileMode
		}
		if info.Owner != "" {
			s.Owner = info.Owner
		}
	})
	return nil
}

func (e *Entry) removeStaged(name string) {
	if err := e.b.staging.Remove(name); err != nil {
		e.b.log.Warn("failed to remove staging file", zap.String("file", name), zap.Error(err))
	}
}

// OpenWriter returns a stream that buffers into a staging file and uploads
// on Close.
func (e *Entry) OpenWriter(ctx context.Context, append bool) (vfs.WriteStream, error) {
	if append {
		return nil, vfs.PathError("create", e.String(), fmt.Errorf("%w: append", vfs.ErrUnsupported))
	}
	if e.isRoot() {
		return nil, vfs.PathError("create", e.String(), fmt.Errorf("%w: cannot write a bucket root", vfs.ErrUnsupported))
	}
	f, err := e.b.staging.TempFile("", stagingPrefix)
	if err != nil {
		return nil, vfs.NewTransferError(vfs.PhaseOpeningDestination, vfs.PathError("create", e.String(), err))
	}
	return &stagedWriter{ctx: ctx, e: e, f: f}, nil
}

type stagedWriter struct {
	ctx  context.Context
	e    *Entry
	f    billy.File
	size int64
	done bool
}

func (w *stagedWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write to closed stream")
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Close uploads everything written so far. The staging file is removed
// whether or not the upload succeeds.
func (w *stagedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.f.Name()
	defer w.e.removeStaged(name)

	if err := w.f.Close(); err != nil {
		return vfs.NewTransferError(vfs.PhaseWritingDestination, vfs.PathError("upload", w.e.String(), err))
	}
	return w.e.putStaged(w.ctx, name, w.size)
}

// Abort discards the stream.
func (w *stagedWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.f.Name()
	defer w.e.removeStaged(name)
	return w.f.Close()
}
