// Package local exposes a billy filesystem as vfs entries for file:// URLs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

const (
	fileMode fs.FileMode = 0644
	dirMode  fs.FileMode = 0755

	tempPrefix = ".remotefs-"
)

// Backend opens entries on one filesystem.
type Backend struct {
	fs  billy.Filesystem
	log *zap.Logger
}

// New creates a backend over fsys. A nil fsys means the host filesystem.
func New(fsys billy.Filesystem) *Backend {
	if fsys == nil {
		fsys = osfs.New("/")
	}
	return &Backend{fs: fsys, log: logging.Named("local")}
}

// Open resolves a file URL. Relative paths are taken from the working
// directory.
func (b *Backend) Open(ctx context.Context, u *url.URL) (vfs.Entry, error) {
	p := filepath.FromSlash(u.Path)
	if p == "" {
		return nil, vfs.PathError("open", u.String(), fmt.Errorf("%w: empty path", vfs.ErrNotFound))
	}
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, vfs.PathError("open", u.String(), err)
		}
		p = abs
	}
	return &Entry{b: b, path: filepath.Clean(p)}, nil
}

// Entry is a file or directory on the backend's filesystem.
type Entry struct {
	b    *Backend
	path string
}

var (
	_ vfs.Entry    = (*Entry)(nil)
	_ vfs.Readable = (*Entry)(nil)
	_ vfs.Writable = (*Entry)(nil)
	_ vfs.Listable = (*Entry)(nil)
	_ vfs.Mutable  = (*Entry)(nil)
)

func (e *Entry) URL() *url.URL {
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(e.path)}
}

func (e *Entry) String() string { return e.path }

// Path returns the filesystem path of the entry.
func (e *Entry) Path() string { return e.path }

func (e *Entry) Name() string { return filepath.Base(e.path) }

func (e *Entry) Attributes(ctx context.Context) vfs.Attributes {
	a, _ := e.Stat(ctx)
	return a
}

func (e *Entry) Stat(ctx context.Context) (vfs.Attributes, error) {
	fi, err := e.b.fs.Stat(e.path)
	if err != nil {
		return vfs.Attributes{}, vfs.PathError("stat", e.path, err)
	}
	return attributesOf(fi), nil
}

func attributesOf(fi fs.FileInfo) vfs.Attributes {
	a := vfs.Attributes{
		Exists:  true,
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode(),
	}
	if !a.IsDir {
		a.Size = fi.Size()
	}
	return a
}

// regular fails unless the entry is an existing non-directory.
func (e *Entry) regular(op string) (fs.FileInfo, error) {
	fi, err := e.b.fs.Stat(e.path)
	if err != nil {
		return nil, vfs.PathError(op, e.path, err)
	}
	if fi.IsDir() {
		return nil, vfs.PathError(op, e.path, fmt.Errorf("%w: is a directory", vfs.ErrUnsupported))
	}
	return fi, nil
}

// sizedFile is an open file that reports the size seen at open, so uploads
// can send it without staging a copy.
type sizedFile struct {
	billy.File
	size int64
}

func (f *sizedFile) Length() int64 { return f.size }

// OpenReader returns a seekable reader positioned at offset. It implements
// vfs.Sized with the whole file's length.
func (e *Entry) OpenReader(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, vfs.PathError("open", e.path, fmt.Errorf("negative offset %d", offset))
	}
	fi, err := e.regular("open")
	if err != nil {
		return nil, err
	}
	f, err := e.b.fs.Open(e.path)
	if err != nil {
		return nil, vfs.PathError("open", e.path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, vfs.PathError("seek", e.path, err)
		}
	}
	return &sizedFile{File: f, size: fi.Size()}, nil
}

// randomReader bounds reads to the length seen when the file was opened.
type randomReader struct {
	*io.SectionReader
	f billy.File
}

func (r *randomReader) Length() int64 { return r.Size() }

func (r *randomReader) Close() error { return r.f.Close() }

func (e *Entry) OpenRandom(ctx context.Context) (vfs.RandomAccessReader, error) {
	fi, err := e.regular("open")
	if err != nil {
		return nil, err
	}
	f, err := e.b.fs.Open(e.path)
	if err != nil {
		return nil, vfs.PathError("open", e.path, err)
	}
	return &randomReader{SectionReader: io.NewSectionReader(f, 0, fi.Size()), f: f}, nil
}

// checkParent fails with ErrNotFound unless the parent directory exists.
func (e *Entry) checkParent(op string) error {
	fi, err := e.b.fs.Stat(filepath.Dir(e.path))
	if err != nil {
		return vfs.PathError(op, e.path, err)
	}
	if !fi.IsDir() {
		return vfs.PathError(op, e.path, fmt.Errorf("%w: parent is not a directory", vfs.ErrNotFound))
	}
	return nil
}

// OpenWriter returns a stream into the file. A replacing write goes to a
// temporary file next to the target and is renamed over it on Close. An
// appending write goes to the file itself; Abort truncates it back.
func (e *Entry) OpenWriter(ctx context.Context, append bool) (vfs.WriteStream, error) {
	if fi, err := e.b.fs.Stat(e.path); err == nil && fi.IsDir() {
		return nil, vfs.PathError("create", e.path, fmt.Errorf("%w: is a directory", vfs.ErrUnsupported))
	}
	if err := e.checkParent("create"); err != nil {
		return nil, err
	}

	if append {
		f, err := e.b.fs.OpenFile(e.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
		if err != nil {
			return nil, vfs.PathError("create", e.path, err)
		}
		var start int64
		if fi, err := e.b.fs.Stat(e.path); err == nil {
			start = fi.Size()
		}
		return &appendWriter{f: f, start: start}, nil
	}

	tmp, err := e.b.fs.TempFile(filepath.Dir(e.path), tempPrefix)
	if err != nil {
		return nil, vfs.PathError("create", e.path, err)
	}
	return &replaceWriter{e: e, f: tmp}, nil
}

type replaceWriter struct {
	e    *Entry
	f    billy.File
	done bool
}

func (w *replaceWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, vfs.PathError("write", w.e.path, fs.ErrClosed)
	}
	return w.f.Write(p)
}

func (w *replaceWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		w.e.b.removeTemp(w.f.Name())
		return vfs.PathError("write", w.e.path, err)
	}
	if err := w.e.b.fs.Rename(w.f.Name(), w.e.path); err != nil {
		w.e.b.removeTemp(w.f.Name())
		return vfs.PathError("rename", w.e.path, err)
	}
	return nil
}

func (w *replaceWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	w.e.b.removeTemp(w.f.Name())
	return nil
}

func (b *Backend) removeTemp(name string) {
	if err := b.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.log.Warn("failed to remove temporary file", zap.String("path", name), zap.Error(err))
	}
}

type appendWriter struct {
	f     billy.File
	start int64
	done  bool
}

func (w *appendWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, vfs.PathError("write", w.f.Name(), fs.ErrClosed)
	}
	return w.f.Write(p)
}

func (w *appendWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.f.Close()
}

func (w *appendWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.f.Truncate(w.start)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Upload writes everything read from src into the file.
func (e *Entry) Upload(ctx context.Context, src io.Reader, append bool) error {
	w, err := e.OpenWriter(ctx, append)
	if err != nil {
		return vfs.NewTransferError(vfs.PhaseOpeningDestination, err)
	}
	if _, err := vfs.Drain(w, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return vfs.NewTransferError(vfs.PhaseWritingDestination, err)
	}
	return nil
}

// ctxReader stops a transfer once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Child returns the entry name below e. A trailing "/" is accepted and
// ignored.
func (e *Entry) Child(ctx context.Context, name string) (vfs.Entry, error) {
	clean := strings.TrimSuffix(name, "/")
	if clean == "" || clean == "." || clean == ".." || strings.ContainsAny(clean, `/\`) {
		return nil, vfs.PathError("lookup", e.path, fmt.Errorf("invalid name %q", name))
	}
	return &Entry{b: e.b, path: filepath.Join(e.path, clean)}, nil
}

func (e *Entry) List(ctx context.Context) ([]vfs.Entry, error) {
	infos, err := e.b.fs.ReadDir(e.path)
	if err != nil {
		return nil, vfs.PathError("list", e.path, err)
	}
	out := make([]vfs.Entry, 0, len(infos))
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), tempPrefix) {
			continue
		}
		out = append(out, &Entry{b: e.b, path: filepath.Join(e.path, fi.Name())})
	}
	return out, nil
}

func (e *Entry) Mkdir(ctx context.Context) error {
	if _, err := e.b.fs.Stat(e.path); err == nil {
		return vfs.PathError("mkdir", e.path, vfs.ErrAlreadyExists)
	}
	if err := e.checkParent("mkdir"); err != nil {
		return err
	}
	if err := e.b.fs.MkdirAll(e.path, dirMode); err != nil {
		return vfs.PathError("mkdir", e.path, err)
	}
	return nil
}

// Delete removes a file or an empty directory.
func (e *Entry) Delete(ctx context.Context) error {
	fi, err := e.b.fs.Stat(e.path)
	if err != nil {
		return vfs.PathError("delete", e.path, err)
	}
	if fi.IsDir() {
		children, err := e.b.fs.ReadDir(e.path)
		if err != nil {
			return vfs.PathError("delete", e.path, err)
		}
		if len(children) > 0 {
			return vfs.PathError("delete", e.path, vfs.ErrDirectoryNotEmpty)
		}
	}
	if err := e.b.fs.Remove(e.path); err != nil {
		return vfs.PathError("delete", e.path, err)
	}
	e.b.log.Debug("deleted", zap.String("path", e.path))
	return nil
}

// Rename moves e to dst. Within the same filesystem this is a rename;
// otherwise the tree is copied and the source removed.
func (e *Entry) Rename(ctx context.Context, dst vfs.Entry) error {
	if _, err := e.b.fs.Stat(e.path); err != nil {
		return vfs.PathError("rename", e.path, err)
	}

	if d, ok := dst.(*Entry); ok && d.b == e.b {
		if err := d.checkParent("rename"); err != nil {
			return err
		}
		if err := e.b.fs.Rename(e.path, d.path); err != nil {
			return vfs.PathError("rename", e.path, err)
		}
		return nil
	}

	if err := vfs.CopyTree(ctx, e, dst, vfs.DefaultCopyConcurrency); err != nil {
		return err
	}
	return vfs.RemoveAll(ctx, e)
}
