package fuse

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// FuseFS implements the fuse.FS interface
type FuseFS struct {
	filesystem *Filesystem
}

var _ fs.FS = (*FuseFS)(nil)
var _ fs.FSStatfser = (*FuseFS)(nil)

// NewFuseFS wraps filesystem for serving.
func NewFuseFS(filesystem *Filesystem) *FuseFS {
	return &FuseFS{filesystem: filesystem}
}

// Root returns the root directory
func (f *FuseFS) Root() (fs.Node, error) {
	return &Dir{
		filesystem: f.filesystem,
		path:       "/",
	}, nil
}

// Statfs returns filesystem statistics
func (f *FuseFS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	statfs, err := f.filesystem.Statfs(ctx)
	if err != nil {
		return errno(err)
	}
	resp.Blocks = statfs.Blocks
	resp.Bfree = statfs.Bfree
	resp.Bavail = statfs.Bavail
	resp.Files = statfs.Files
	resp.Ffree = statfs.Ffree
	resp.Bsize = uint32(statfs.Bsize)
	resp.Namelen = statfs.Namelen
	resp.Frsize = uint32(statfs.Bsize)
	return nil
}

func fillAttr(a *fuse.Attr, attr *Attr) {
	a.Mode = attr.Mode
	a.Size = uint64(attr.Size)
	a.Mtime = attr.Mtime
	a.Ctime = attr.Mtime
	a.Uid = attr.Uid
	a.Gid = attr.Gid
}

// Dir represents a directory node
type Dir struct {
	filesystem *Filesystem
	path       string
}

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeStringLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeSetattrer = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)
var _ fs.NodeAccesser = (*Dir)(nil)

func (d *Dir) child(name string) string {
	return joinPath(d.path, name)
}

// Attr returns directory attributes
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := d.filesystem.GetAttr(ctx, d.path)
	if err != nil {
		return errno(err)
	}
	fillAttr(a, attr)
	return nil
}

// Lookup looks up a child node
func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	childPath := d.child(name)
	attr, err := d.filesystem.GetAttr(ctx, childPath)
	if err != nil {
		return nil, errno(err)
	}
	if attr.Mode.IsDir() {
		return &Dir{filesystem: d.filesystem, path: childPath}, nil
	}
	return newFile(d.filesystem, childPath), nil
}

// ReadDirAll reads all directory entries
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := d.filesystem.ReadDir(ctx, d.path)
	if err != nil {
		return nil, errno(err)
	}

	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, entry := range entries {
		dirent := fuse.Dirent{
			Name: entry.Name,
		}
		if entry.IsDir {
			dirent.Type = fuse.DT_Dir
		} else {
			dirent.Type = fuse.DT_File
		}
		dirents = append(dirents, dirent)
	}
	return dirents, nil
}

// Setattr accepts mode, owner and time changes without storing them; the
// backends keep no such metadata.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		return syscall.EISDIR
	}
	return d.Attr(ctx, &resp.Attr)
}

// Mkdir creates a new directory
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	childPath := d.child(req.Name)
	if err := d.filesystem.Mkdir(ctx, childPath); err != nil {
		return nil, errno(err)
	}
	return &Dir{filesystem: d.filesystem, path: childPath}, nil
}

// Create creates a new file in the directory
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	childPath := d.child(req.Name)
	h, err := d.filesystem.Create(ctx, childPath, req.Flags&fuse.OpenExclusive != 0)
	if err != nil {
		return nil, nil, errno(err)
	}
	file := newFile(d.filesystem, childPath)
	handle := file.trackWriter(h)
	resp.Flags |= fuse.OpenDirectIO
	return file, handle, nil
}

// Remove removes a file or empty directory
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	childPath := d.child(req.Name)
	if req.Dir {
		return errno(d.filesystem.Rmdir(ctx, childPath))
	}
	return errno(d.filesystem.Remove(ctx, childPath))
}

// Rename moves a child of d into newDir
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return syscall.EXDEV
	}
	return errno(d.filesystem.Rename(ctx, d.child(req.OldName), target.child(req.NewName)))
}

// Access checks file access permissions
func (d *Dir) Access(ctx context.Context, req *fuse.AccessRequest) error {
	return errno(d.filesystem.Access(ctx, d.path, req.Mask))
}

// File represents a file node
type File struct {
	filesystem *Filesystem
	path       string

	mu      sync.Mutex
	writers map[*FileHandle]struct{}
}

var _ fs.Node = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeAccesser = (*File)(nil)
var _ fs.NodeFsyncer = (*File)(nil)

func newFile(filesystem *Filesystem, path string) *File {
	return &File{filesystem: filesystem, path: path, writers: make(map[*FileHandle]struct{})}
}

func (f *File) trackWriter(w *writeHandle) *FileHandle {
	h := &FileHandle{file: f, writer: w}
	f.mu.Lock()
	f.writers[h] = struct{}{}
	f.mu.Unlock()
	return h
}

func (f *File) untrack(h *FileHandle) {
	f.mu.Lock()
	delete(f.writers, h)
	f.mu.Unlock()
}

// pendingSize reports the size written through an open handle, if any.
func (f *File) pendingSize() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var size int64
	found := false
	for h := range f.writers {
		if s := h.writer.Size(); !found || s > size {
			size = s
		}
		found = true
	}
	return size, found
}

// truncateWriters makes every open writer replace the content even if
// nothing gets written. It reports whether there was any.
func (f *File) truncateWriters() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.writers {
		h.writer.Truncate()
	}
	return len(f.writers) > 0
}

// Attr returns file attributes
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := f.filesystem.GetAttr(ctx, f.path)
	if size, ok := f.pendingSize(); ok {
		if err != nil {
			attr = f.filesystem.attrOf(vfs.Attributes{Exists: true})
			err = nil
		}
		attr.Size = size
	}
	if err != nil {
		return errno(err)
	}
	fillAttr(a, attr)
	return nil
}

// Open opens a file
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	resp.Flags |= fuse.OpenDirectIO
	if req.Flags.IsReadOnly() {
		r, err := f.filesystem.OpenRead(ctx, f.path)
		if err != nil {
			return nil, errno(err)
		}
		return &FileHandle{file: f, reader: r}, nil
	}
	if req.Flags.IsReadWrite() {
		return nil, syscall.ENOTSUP
	}

	w, err := f.filesystem.OpenWrite(ctx, f.path,
		req.Flags&fuse.OpenAppend != 0, req.Flags&fuse.OpenTruncate != 0)
	if err != nil {
		return nil, errno(err)
	}
	return f.trackWriter(w), nil
}

// Setattr handles truncation; mode, owner and time changes are accepted
// without being stored.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if req.Size == 0 && f.truncateWriters() {
			return f.Attr(ctx, &resp.Attr)
		}
		if err := f.filesystem.Truncate(ctx, f.path, int64(req.Size)); err != nil {
			return errno(err)
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Access checks file access permissions
func (f *File) Access(ctx context.Context, req *fuse.AccessRequest) error {
	return errno(f.filesystem.Access(ctx, f.path, req.Mask))
}

// Fsync succeeds without work; content is committed when the handle is
// flushed.
func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return nil
}

// FileHandle is one open file, either reading or writing.
type FileHandle struct {
	file   *File
	reader *readHandle
	writer *writeHandle
}

var _ fs.Handle = (*FileHandle)(nil)
var _ fs.HandleReader = (*FileHandle)(nil)
var _ fs.HandleWriter = (*FileHandle)(nil)
var _ fs.HandleFlusher = (*FileHandle)(nil)
var _ fs.HandleReleaser = (*FileHandle)(nil)

// Read reads file data
func (h *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if h.reader == nil {
		return syscall.EBADF
	}
	data, err := h.reader.ReadAt(req.Offset, req.Size)
	if err != nil {
		return errno(err)
	}
	resp.Data = data
	return nil
}

// Write writes file data
func (h *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	if h.writer == nil {
		return syscall.EBADF
	}
	n, err := h.writer.Write(req.Offset, req.Data)
	resp.Size = n
	return errno(err)
}

// Flush commits written content on the first close of the descriptor.
func (h *FileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	if h.writer == nil {
		return nil
	}
	return errno(h.writer.Commit())
}

// Release commits anything not yet flushed and frees the handle.
func (h *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	if h.reader != nil {
		return errno(h.reader.Close())
	}
	defer h.file.untrack(h)
	return errno(h.writer.Commit())
}

// MountOptions contains options for mounting the filesystem
type MountOptions struct {
	FSName     string
	ReadOnly   bool
	AllowOther bool
}

// Mount serves filesystem at mountpoint until ctx is done or the mount is
// removed externally.
func Mount(ctx context.Context, mountpoint string, filesystem *Filesystem, options MountOptions) error {
	name := options.FSName
	if name == "" {
		name = "remotefs"
	}
	opts := []fuse.MountOption{
		fuse.FSName(name),
		fuse.Subtype("remotefs"),
	}
	if options.ReadOnly {
		opts = append(opts, fuse.ReadOnly())
	}
	if options.AllowOther {
		opts = append(opts, fuse.AllowOther())
	}

	c, err := fuse.Mount(mountpoint, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	log := filesystem.log.With(zap.String("mountpoint", mountpoint))
	log.Info("mounted filesystem")

	stop := context.AfterFunc(ctx, func() {
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Warn("unmount failed", zap.Error(err))
		}
	})
	defer stop()

	err = fs.Serve(c, NewFuseFS(filesystem))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("unmounted filesystem")
	return nil
}
