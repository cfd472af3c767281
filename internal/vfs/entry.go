// Package vfs defines the uniform file contract shared by every storage backend.
//
// An Entry is identified by its URL and always exposes Metadata. Everything else
// is a capability: a backend implements the subset of Readable, Writable, Listable
// and Mutable it supports, and the helper functions in this package report
// ErrUnsupported for the rest.
package vfs

import (
	"context"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultFileMode is reported for objects whose backend keeps no permission bits.
const DefaultFileMode fs.FileMode = 0600

// DefaultDirMode is reported for directories whose backend keeps no permission bits.
const DefaultDirMode fs.FileMode = fs.ModeDir | 0700

// Attributes is a point-in-time view of an entry's metadata.
type Attributes struct {
	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
	Owner   string
}

// Metadata exposes an entry's attributes.
//
// Attributes never fails: an unreachable entry reports Exists == false.
// Stat is for explicit operations and surfaces the underlying error, or
// ErrNotFound when the entry is absent.
type Metadata interface {
	Attributes(ctx context.Context) Attributes
	Stat(ctx context.Context) (Attributes, error)
}

// Entry is a file or directory on some backend.
type Entry interface {
	Metadata
	URL() *url.URL
	Name() string
}

// RandomAccessReader is a seekable view of an entry with a length fixed when it was opened.
type RandomAccessReader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
	Length() int64
}

// Readable entries can be streamed.
type Readable interface {
	// OpenReader returns a forward-only stream starting at offset.
	OpenReader(ctx context.Context, offset int64) (io.ReadCloser, error)
	// OpenRandom returns a random-access reader. It fails with ErrNotFound
	// when the entry does not exist.
	OpenRandom(ctx context.Context) (RandomAccessReader, error)
}

// WriteStream is an output stream whose content becomes visible on Close.
// Abort discards everything written so far.
type WriteStream interface {
	io.WriteCloser
	Abort() error
}

// Writable entries accept new content.
type Writable interface {
	OpenWriter(ctx context.Context, append bool) (WriteStream, error)
	// Upload replaces the entry's content with everything read from src.
	Upload(ctx context.Context, src io.Reader, append bool) error
}

// Listable entries have children. A name passed to Child that ends in "/"
// names a directory.
type Listable interface {
	List(ctx context.Context) ([]Entry, error)
	Child(ctx context.Context, name string) (Entry, error)
}

// Mutable entries can be created, removed and moved.
type Mutable interface {
	Mkdir(ctx context.Context) error
	Delete(ctx context.Context) error
	Rename(ctx context.Context, dst Entry) error
}

// RemoteCopier is implemented by entries that can copy to dst without moving
// the bytes through the caller. CanCopyTo reports whether dst qualifies.
type RemoteCopier interface {
	CanCopyTo(dst Entry) bool
	CopyTo(ctx context.Context, dst Entry) error
}

// Sized is implemented by sources that know their total length before the
// transfer starts.
type Sized interface {
	Length() int64
}

// OpenReader opens e for streaming, or fails with ErrUnsupported.
func OpenReader(ctx context.Context, e Entry, offset int64) (io.ReadCloser, error) {
	r, ok := e.(Readable)
	if !ok {
		return nil, PathError("open", e.URL().String(), ErrUnsupported)
	}
	return r.OpenReader(ctx, offset)
}

// OpenRandom opens e for random access, or fails with ErrUnsupported.
func OpenRandom(ctx context.Context, e Entry) (RandomAccessReader, error) {
	r, ok := e.(Readable)
	if !ok {
		return nil, PathError("open", e.URL().String(), ErrUnsupported)
	}
	return r.OpenRandom(ctx)
}

// OpenWriter opens e for writing, or fails with ErrUnsupported.
func OpenWriter(ctx context.Context, e Entry, append bool) (WriteStream, error) {
	w, ok := e.(Writable)
	if !ok {
		return nil, PathError("create", e.URL().String(), ErrUnsupported)
	}
	return w.OpenWriter(ctx, append)
}

// Upload writes src into e, or fails with ErrUnsupported.
func Upload(ctx context.Context, e Entry, src io.Reader) error {
	w, ok := e.(Writable)
	if !ok {
		return PathError("upload", e.URL().String(), ErrUnsupported)
	}
	return w.Upload(ctx, src, false)
}

// List returns the children of e, or fails with ErrUnsupported.
func List(ctx context.Context, e Entry) ([]Entry, error) {
	l, ok := e.(Listable)
	if !ok {
		return nil, PathError("list", e.URL().String(), ErrUnsupported)
	}
	return l.List(ctx)
}

// Child resolves name under e, or fails with ErrUnsupported.
func Child(ctx context.Context, e Entry, name string) (Entry, error) {
	l, ok := e.(Listable)
	if !ok {
		return nil, PathError("lookup", e.URL().String(), ErrUnsupported)
	}
	return l.Child(ctx, name)
}

// Mkdir creates e as a directory, or fails with ErrUnsupported.
func Mkdir(ctx context.Context, e Entry) error {
	m, ok := e.(Mutable)
	if !ok {
		return PathError("mkdir", e.URL().String(), ErrUnsupported)
	}
	return m.Mkdir(ctx)
}

// Delete removes e, or fails with ErrUnsupported.
func Delete(ctx context.Context, e Entry) error {
	m, ok := e.(Mutable)
	if !ok {
		return PathError("delete", e.URL().String(), ErrUnsupported)
	}
	return m.Delete(ctx)
}

// Rename moves src to dst, or fails with ErrUnsupported.
func Rename(ctx context.Context, src, dst Entry) error {
	m, ok := src.(Mutable)
	if !ok {
		return PathError("rename", src.URL().String(), ErrUnsupported)
	}
	return m.Rename(ctx, dst)
}

// ChildURL returns the URL of name under the directory u.
func ChildURL(u *url.URL, name string) *url.URL {
	c := *u
	c.Path = path.Join(u.Path, name)
	if strings.HasSuffix(name, "/") {
		c.Path += "/"
	}
	c.RawPath = ""
	return &c
}

// BaseName returns the last element of a URL path, ignoring a trailing separator.
func BaseName(u *url.URL) string {
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}
