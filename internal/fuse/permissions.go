package fuse

import (
	"context"
	"os"
	"syscall"

	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Access mask bits
const (
	accessExecute = 1
	accessWrite   = 2
	accessRead    = 4
)

// attrOf maps entry attributes onto a node. Every node belongs to the
// mounting user; backends without permission bits get the vfs defaults.
func (fs *Filesystem) attrOf(a vfs.Attributes) *Attr {
	perm := a.Mode.Perm()
	mode := perm
	if a.IsDir {
		if perm == 0 {
			perm = vfs.DefaultDirMode.Perm()
		}
		mode = os.ModeDir | perm
	} else if perm == 0 {
		mode = vfs.DefaultFileMode
	}
	return &Attr{
		Mode:  mode,
		Size:  a.Size,
		Mtime: a.ModTime,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

// Access checks mask against the owner bits of the node at p. A zero mask
// only checks existence.
func (fs *Filesystem) Access(ctx context.Context, p string, mask uint32) error {
	attr, err := fs.GetAttr(ctx, p)
	if err != nil {
		return err
	}
	if mask == 0 {
		return nil
	}

	owner := uint32(attr.Mode.Perm()>>6) & (accessRead | accessWrite | accessExecute)
	if owner&mask != mask {
		return vfs.PathError("access", p, syscall.EACCES)
	}
	return nil
}
