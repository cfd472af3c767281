// Package blockio turns a ranged-read capability into a seekable reader that
// fetches fixed-size blocks on demand.
package blockio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultBlockSize is the size of one fetched block.
const DefaultBlockSize = 8192

// Source reads part of a remote object. ReadBlock fills p with bytes starting
// at off and may return fewer bytes than requested; io.EOF marks the end.
type Source interface {
	ReadBlock(ctx context.Context, off int64, p []byte) (int, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, off int64, p []byte) (int, error)

func (f SourceFunc) ReadBlock(ctx context.Context, off int64, p []byte) (int, error) {
	return f(ctx, off, p)
}

var errClosed = errors.New("blockio: reader closed")

// Reader is a random-access view of length bytes of a Source. It keeps the
// most recently fetched block and nothing else.
type Reader struct {
	ctx       context.Context
	src       Source
	length    int64
	blockSize int

	mu       sync.Mutex
	pos      int64
	block    []byte
	blockIdx int64
	blockLen int
	closed   bool
	onClose  func() error
}

// Option configures a Reader.
type Option func(*Reader)

// WithBlockSize sets the block size. Non-positive values are ignored.
func WithBlockSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.blockSize = n
		}
	}
}

// WithCloser registers fn to run once on Close.
func WithCloser(fn func() error) Option {
	return func(r *Reader) { r.onClose = fn }
}

// NewReader returns a reader over the first length bytes of src. Block fetches
// run under ctx.
func NewReader(ctx context.Context, src Source, length int64, opts ...Option) *Reader {
	r := &Reader{
		ctx:       ctx,
		src:       src,
		length:    length,
		blockSize: DefaultBlockSize,
		blockIdx:  -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.block = make([]byte, r.blockSize)
	return r
}

// Length returns the size the reader was opened with.
func (r *Reader) Length() int64 {
	return r.length
}

// BlockSize returns the size of one fetched block.
func (r *Reader) BlockSize() int {
	return r.blockSize
}

// ReadAt reads len(p) bytes at off, crossing block boundaries as needed.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readAt(p, off)
}

func (r *Reader) readAt(p []byte, off int64) (int, error) {
	if r.closed {
		return 0, errClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("blockio: negative offset %d", off)
	}
	if off >= r.length {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && off < r.length {
		idx := off / int64(r.blockSize)
		if idx != r.blockIdx {
			if err := r.fetch(idx); err != nil {
				return n, err
			}
		}
		inBlock := int(off - idx*int64(r.blockSize))
		if inBlock >= r.blockLen {
			// The source ended before the length we were opened with.
			return n, io.EOF
		}
		c := copy(p[n:], r.block[inBlock:r.blockLen])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fetch loads block idx, reading until the block is full or the source ends.
func (r *Reader) fetch(idx int64) error {
	r.blockIdx = -1
	want := r.blockSize
	if rest := r.length - idx*int64(r.blockSize); rest < int64(want) {
		want = int(rest)
	}

	n, err := FillBlock(r.ctx, r.src, idx*int64(r.blockSize), r.block[:want])
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	r.blockIdx = idx
	r.blockLen = n
	return nil
}

// FillBlock calls src.ReadBlock until p is full or the source reports EOF. It
// returns io.EOF only when no byte was read.
func FillBlock(ctx context.Context, src Source, off int64, p []byte) (int, error) {
	n := 0
	for n < len(p) {
		c, err := src.ReadBlock(ctx, off+int64(n), p[n:])
		n += c
		if err != nil {
			if errors.Is(err, io.EOF) {
				if n == 0 {
					return 0, io.EOF
				}
				return n, nil
			}
			return n, err
		}
		if c == 0 {
			return n, io.ErrNoProgress
		}
	}
	return n, nil
}

// Read reads from the current position.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.readAt(p, r.pos)
	r.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek sets the position for the next Read.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.length + offset
	default:
		return 0, fmt.Errorf("blockio: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("blockio: negative position %d", abs)
	}
	r.pos = abs
	return abs, nil
}

// Close drops the cached block. Further reads fail.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.block = nil
	r.blockIdx = -1
	if r.onClose != nil {
		return r.onClose()
	}
	return nil
}
