package fuse

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// readHandle serves reads of one open file from a random-access reader whose
// length was fixed at open.
type readHandle struct {
	path string
	r    vfs.RandomAccessReader
}

// ReadAt returns up to size bytes at off. A short result marks the end of
// the file.
func (h *readHandle) ReadAt(off int64, size int) ([]byte, error) {
	if off >= h.r.Length() {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := h.r.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (h *readHandle) Close() error {
	return h.r.Close()
}

// writeHandle streams sequential writes into the entry's writer. The content
// is committed by the first Flush or by Release.
type writeHandle struct {
	fs     *Filesystem
	path   string
	w      vfs.WriteStream
	append bool

	mu        sync.Mutex
	offset    int64
	dirty     bool
	committed bool
	err       error
}

// Write accepts data at off. Offsets must follow each other; only appending
// handles accept whatever offset the kernel reports.
func (h *writeHandle) Write(off int64, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.committed {
		return 0, vfs.PathError("write", h.path, syscall.EBADF)
	}
	if h.err != nil {
		return 0, h.err
	}
	if !h.append && off != h.offset {
		return 0, vfs.PathError("write", h.path,
			fmt.Errorf("%w: write at %d, expected %d", vfs.ErrUnsupported, off, h.offset))
	}
	n, err := h.w.Write(data)
	h.offset += int64(n)
	h.dirty = true
	if err != nil {
		h.err = err
		return n, err
	}
	return n, nil
}

// Truncate marks the handle as replacing the content. Bytes already
// written are kept.
func (h *writeHandle) Truncate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirty = true
}

// Size returns the number of bytes written so far.
func (h *writeHandle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// Commit makes the written content visible. Without any write or truncation
// the target is left untouched. Later calls are no-ops.
func (h *writeHandle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.committed {
		return nil
	}
	h.committed = true

	if h.err != nil || !h.dirty {
		_ = h.w.Abort()
		return h.err
	}
	if err := h.w.Close(); err != nil {
		h.fs.log.Warn("commit failed", zap.String("path", h.path), zap.Error(err))
		return err
	}
	return nil
}
