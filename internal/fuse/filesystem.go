// Package fuse mounts a vfs.Entry directory tree with bazil.org/fuse.
//
// Filesystem holds the path-based logic and is usable without a kernel
// mount; the node types in fuse_wrapper.go translate FUSE requests into calls
// on it.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/cache"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Attr represents file attributes
type Attr struct {
	Mode  os.FileMode
	Size  int64
	Mtime time.Time
	Uid   uint32
	Gid   uint32
}

// DirEntry represents a directory entry
type DirEntry struct {
	Name  string
	IsDir bool
}

// Options configures a Filesystem.
type Options struct {
	// Uid and Gid own every node. Zero values take the mounting process's ids.
	Uid, Gid uint32
	// EntryTTL bounds how long a resolved path is reused.
	EntryTTL time.Duration
	// EntryCacheSize bounds the number of resolved paths kept.
	EntryCacheSize int
}

// Filesystem represents the FUSE filesystem
type Filesystem struct {
	root    vfs.Entry
	entries *cache.EntryCache
	uid     uint32
	gid     uint32
	log     *zap.Logger

	// ctx outlives single requests; open readers fetch blocks with it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFilesystem creates a filesystem rooted at the directory root.
func NewFilesystem(ctx context.Context, root vfs.Entry, opts Options) *Filesystem {
	if opts.Uid == 0 && opts.Gid == 0 {
		opts.Uid = uint32(os.Getuid())
		opts.Gid = uint32(os.Getgid())
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Filesystem{
		root:    root,
		entries: cache.NewEntryCache(opts.EntryCacheSize, opts.EntryTTL),
		uid:     opts.Uid,
		gid:     opts.Gid,
		log:     logging.Named("fuse"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close stops background work and cancels reads still in flight.
func (fs *Filesystem) Close() {
	fs.cancel()
	fs.entries.Close()
}

// normalizePath cleans p into an absolute slash path.
func normalizePath(p string) string {
	return path.Clean("/" + p)
}

func joinPath(dir, name string) string {
	return normalizePath(path.Join(dir, name))
}

// entry resolves p by walking from the root. Resolving does not check
// existence.
func (fs *Filesystem) entry(ctx context.Context, p string) (vfs.Entry, error) {
	p = normalizePath(p)
	if p == "/" {
		return fs.root, nil
	}
	if e, ok := fs.entries.Get(p); ok {
		return e, nil
	}
	parent, err := fs.entry(ctx, path.Dir(p))
	if err != nil {
		return nil, err
	}
	e, err := vfs.Child(ctx, parent, path.Base(p))
	if err != nil {
		return nil, err
	}
	fs.entries.Set(p, e)
	return e, nil
}

// existing resolves p and fails with ErrNotFound when it is absent.
func (fs *Filesystem) existing(ctx context.Context, p string) (vfs.Entry, vfs.Attributes, error) {
	e, err := fs.entry(ctx, p)
	if err != nil {
		return nil, vfs.Attributes{}, err
	}
	a := e.Attributes(ctx)
	if !a.Exists {
		return nil, vfs.Attributes{}, vfs.PathError("stat", p, vfs.ErrNotFound)
	}
	return e, a, nil
}

// GetAttr returns the attributes of the node at p.
func (fs *Filesystem) GetAttr(ctx context.Context, p string) (*Attr, error) {
	_, a, err := fs.existing(ctx, p)
	if err != nil {
		return nil, err
	}
	return fs.attrOf(a), nil
}

// ReadDir lists the directory at p. The children are cached so a following
// lookup reuses their listed attributes.
func (fs *Filesystem) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	p = normalizePath(p)
	dir, a, err := fs.existing(ctx, p)
	if err != nil {
		return nil, err
	}
	if !a.IsDir {
		return nil, vfs.PathError("readdir", p, syscall.ENOTDIR)
	}

	children, err := vfs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(children))
	for _, c := range children {
		name := c.Name()
		if name == "" {
			continue
		}
		fs.entries.Set(joinPath(p, name), c)
		out = append(out, DirEntry{Name: name, IsDir: c.Attributes(ctx).IsDir})
	}
	return out, nil
}

// OpenRead opens the file at p for random-access reads.
func (fs *Filesystem) OpenRead(ctx context.Context, p string) (*readHandle, error) {
	e, a, err := fs.existing(ctx, p)
	if err != nil {
		return nil, err
	}
	if a.IsDir {
		return nil, vfs.PathError("open", p, syscall.EISDIR)
	}
	r, err := vfs.OpenRandom(fs.ctx, e)
	if err != nil {
		return nil, err
	}
	return &readHandle{path: normalizePath(p), r: r}, nil
}

// OpenWrite opens the file at p for sequential writing. Content replaces the
// file when the handle is committed. A handle with truncate set commits even
// when nothing was written.
func (fs *Filesystem) OpenWrite(ctx context.Context, p string, append, truncate bool) (*writeHandle, error) {
	e, err := fs.entry(ctx, p)
	if err != nil {
		return nil, err
	}
	if a := e.Attributes(ctx); a.IsDir {
		return nil, vfs.PathError("open", p, syscall.EISDIR)
	}
	w, err := vfs.OpenWriter(ctx, e, append)
	if err != nil {
		return nil, err
	}
	return &writeHandle{fs: fs, path: normalizePath(p), w: w, append: append, dirty: truncate}, nil
}

// Create makes an empty file at p and returns a handle writing into it.
func (fs *Filesystem) Create(ctx context.Context, p string, exclusive bool) (*writeHandle, error) {
	if _, a, err := fs.existing(ctx, p); err == nil {
		if exclusive {
			return nil, vfs.PathError("create", p, vfs.ErrAlreadyExists)
		}
		if a.IsDir {
			return nil, vfs.PathError("create", p, syscall.EISDIR)
		}
	}
	return fs.OpenWrite(ctx, p, false, true)
}

// Truncate empties the file at p. Only truncation to zero is supported.
func (fs *Filesystem) Truncate(ctx context.Context, p string, size int64) error {
	e, a, err := fs.existing(ctx, p)
	if err != nil {
		return err
	}
	if a.IsDir {
		return vfs.PathError("truncate", p, syscall.EISDIR)
	}
	if size == a.Size {
		return nil
	}
	if size != 0 {
		return vfs.PathError("truncate", p, fmt.Errorf("%w: truncate to %d bytes", vfs.ErrUnsupported, size))
	}
	w, err := vfs.OpenWriter(ctx, e, false)
	if err != nil {
		return err
	}
	return w.Close()
}

// Mkdir creates the directory p.
func (fs *Filesystem) Mkdir(ctx context.Context, p string) error {
	p = normalizePath(p)
	parent, err := fs.entry(ctx, path.Dir(p))
	if err != nil {
		return err
	}
	dir, err := vfs.Child(ctx, parent, path.Base(p)+"/")
	if err != nil {
		return err
	}
	if err := vfs.Mkdir(ctx, dir); err != nil {
		return err
	}
	fs.entries.Set(p, dir)
	return nil
}

// Remove deletes the file p.
func (fs *Filesystem) Remove(ctx context.Context, p string) error {
	e, a, err := fs.existing(ctx, p)
	if err != nil {
		return err
	}
	if a.IsDir {
		return vfs.PathError("unlink", p, syscall.EISDIR)
	}
	if err := vfs.Delete(ctx, e); err != nil {
		return err
	}
	fs.entries.Delete(normalizePath(p))
	return nil
}

// Rmdir deletes the empty directory p.
func (fs *Filesystem) Rmdir(ctx context.Context, p string) error {
	p = normalizePath(p)
	if p == "/" {
		return vfs.PathError("rmdir", p, syscall.EBUSY)
	}
	e, a, err := fs.existing(ctx, p)
	if err != nil {
		return err
	}
	if !a.IsDir {
		return vfs.PathError("rmdir", p, syscall.ENOTDIR)
	}
	if err := vfs.Delete(ctx, e); err != nil {
		return err
	}
	fs.entries.DeletePrefix(p)
	return nil
}

// Rename moves oldPath to newPath, replacing a file already there.
func (fs *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = normalizePath(oldPath), normalizePath(newPath)
	if oldPath == newPath {
		return nil
	}
	if strings.HasPrefix(newPath, oldPath+"/") {
		return vfs.PathError("rename", oldPath, syscall.EINVAL)
	}
	src, a, err := fs.existing(ctx, oldPath)
	if err != nil {
		return err
	}

	parent, err := fs.entry(ctx, path.Dir(newPath))
	if err != nil {
		return err
	}
	name := path.Base(newPath)
	if a.IsDir {
		name += "/"
	}
	dst, err := vfs.Child(ctx, parent, name)
	if err != nil {
		return err
	}
	if da := dst.Attributes(ctx); da.Exists && da.IsDir != a.IsDir {
		if da.IsDir {
			return vfs.PathError("rename", newPath, syscall.EISDIR)
		}
		return vfs.PathError("rename", newPath, syscall.ENOTDIR)
	}

	if err := vfs.Rename(ctx, src, dst); err != nil {
		return err
	}
	fs.entries.DeletePrefix(oldPath)
	fs.entries.DeletePrefix(newPath)
	fs.log.Debug("renamed", zap.String("from", oldPath), zap.String("to", newPath))
	return nil
}

// Statfs represents filesystem statistics
type Statfs struct {
	Bsize   uint64 // Block size
	Blocks  uint64 // Total blocks
	Bfree   uint64 // Free blocks
	Bavail  uint64 // Available blocks
	Files   uint64 // Total inodes
	Ffree   uint64 // Free inodes
	Namelen uint32 // Maximum name length
}

// Statfs returns filesystem statistics. Remote stores report no limits, so
// the values are large constants.
func (fs *Filesystem) Statfs(ctx context.Context) (*Statfs, error) {
	return &Statfs{
		Bsize:   4096,
		Blocks:  1000000000,
		Bfree:   1000000000,
		Bavail:  1000000000,
		Files:   1000000000,
		Ffree:   1000000000,
		Namelen: 255,
	}, nil
}

// errno converts an error from the vfs layer into the errno FUSE reports.
func errno(err error) error {
	var en syscall.Errno
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vfs.ErrConnection):
		return syscall.EIO
	case errors.Is(err, vfs.ErrAuth):
		return syscall.EACCES
	case errors.As(err, &en):
		return en
	case errors.Is(err, vfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, vfs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, vfs.ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, vfs.ErrUnsupported):
		return syscall.ENOTSUP
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
