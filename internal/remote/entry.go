package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/s3fs-fuse/remotefs/internal/cache"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Entry is one object, directory marker or bucket root.
type Entry struct {
	b      *Backend
	u      *url.URL
	realm  credentials.Realm
	bucket string
	key    string
	attrs  *cache.AttrCache
}

var (
	_ vfs.Entry        = (*Entry)(nil)
	_ vfs.Readable     = (*Entry)(nil)
	_ vfs.Writable     = (*Entry)(nil)
	_ vfs.Listable     = (*Entry)(nil)
	_ vfs.Mutable      = (*Entry)(nil)
	_ vfs.RemoteCopier = (*Entry)(nil)
)

func (e *Entry) URL() *url.URL {
	u := *e.u
	return &u
}

func (e *Entry) String() string {
	return e.u.String()
}

// Name returns the last path element, or the bucket for the root.
func (e *Entry) Name() string {
	if e.key == "" {
		return e.bucket
	}
	return vfs.BaseName(e.u)
}

// Realm returns the realm whose connection serves this entry.
func (e *Entry) Realm() credentials.Realm { return e.realm }

// Bucket returns the bucket the entry lives in.
func (e *Entry) Bucket() string { return e.bucket }

// Key returns the object key. Directory keys end in "/".
func (e *Entry) Key() string { return e.key }

func (e *Entry) isRoot() bool { return e.key == "" }

// objectKey is the key of the entry as a plain object.
func (e *Entry) objectKey() string { return strings.TrimSuffix(e.key, "/") }

// dirKey is the key of the entry's directory marker, and the prefix of its
// children. The bucket root has the empty prefix.
func (e *Entry) dirKey() string {
	if e.isRoot() {
		return ""
	}
	return e.objectKey() + "/"
}

// Attributes returns the cached attributes. Failures read as absence.
func (e *Entry) Attributes(ctx context.Context) vfs.Attributes {
	return toAttributes(e.attrs.Get(ctx))
}

// Stat returns the attributes, or the error that prevented reading them.
func (e *Entry) Stat(ctx context.Context) (vfs.Attributes, error) {
	s, err := e.attrs.Fetch(ctx)
	if err != nil {
		return vfs.Attributes{}, vfs.PathError("stat", e.String(), err)
	}
	if !s.Exists {
		return vfs.Attributes{}, vfs.PathError("stat", e.String(), vfs.ErrNotFound)
	}
	return toAttributes(s), nil
}

// Invalidate drops the cached attributes.
func (e *Entry) Invalidate() {
	e.attrs.Invalidate()
}

// refresh reads the entry's metadata from the remote side. A missing key is
// retried as a directory marker, and a key with children but no marker is
// reported as a directory too.
func (e *Entry) refresh(ctx context.Context) (cache.Snapshot, error) {
	if e.isRoot() {
		err := e.withHandle(ctx, "list", func(c Client) error {
			_, err := c.List(ctx, e.bucket, "", "/", 1)
			return err
		})
		if errors.Is(err, vfs.ErrNotFound) {
			return cache.Snapshot{}, nil
		}
		if err != nil {
			return cache.Snapshot{}, err
		}
		return dirSnapshot(cache.Snapshot{}), nil
	}

	var (
		info     ObjectInfo
		implicit bool
	)
	err := e.withHandle(ctx, "head", func(c Client) error {
		var err error
		if !strings.HasSuffix(e.key, "/") {
			info, err = c.Head(ctx, e.bucket, e.key)
			if !errors.Is(err, vfs.ErrNotFound) {
				return err
			}
		}
		info, err = c.Head(ctx, e.bucket, e.dirKey())
		if !errors.Is(err, vfs.ErrNotFound) {
			return err
		}
		children, lerr := c.List(ctx, e.bucket, e.dirKey(), "", 1)
		if lerr != nil {
			return lerr
		}
		if len(children) == 0 {
			return err
		}
		implicit = true
		return nil
	})
	switch {
	case errors.Is(err, vfs.ErrNotFound):
		return cache.Snapshot{}, nil
	case err != nil:
		return cache.Snapshot{}, err
	case implicit:
		return dirSnapshot(cache.Snapshot{}), nil
	}
	return snapshotOf(info), nil
}

func snapshotOf(info ObjectInfo) cache.Snapshot {
	s := cache.Snapshot{
		Exists:  true,
		Size:    info.Size,
		ModTime: info.LastModified,
		Mode:    vfs.DefaultFileMode,
		Owner:   info.Owner,
	}
	if info.IsPrefix || strings.HasSuffix(info.Key, "/") {
		s = dirSnapshot(s)
	}
	return s
}

func dirSnapshot(s cache.Snapshot) cache.Snapshot {
	s.Exists = true
	s.IsDir = true
	s.Size = 0
	s.Mode = vfs.DefaultDirMode
	return s
}

func toAttributes(s cache.Snapshot) vfs.Attributes {
	return vfs.Attributes{
		Exists:  s.Exists,
		IsDir:   s.IsDir,
		Size:    s.Size,
		ModTime: s.ModTime,
		Mode:    s.Mode,
		Owner:   s.Owner,
	}
}

// child builds the entry for key, a descendant of e in the same bucket.
func (e *Entry) child(name, key string) *Entry {
	return e.b.newEntry(vfs.ChildURL(e.u, name), e.realm, e.bucket, key)
}

// Child returns the entry for name below e without contacting the server.
func (e *Entry) Child(ctx context.Context, name string) (vfs.Entry, error) {
	clean := strings.Trim(name, "/")
	if clean == "" || clean == "." || clean == ".." {
		return nil, vfs.PathError("lookup", e.String(), fmt.Errorf("invalid name %q", name))
	}
	key := e.dirKey() + clean
	if strings.HasSuffix(name, "/") {
		key += "/"
	}
	return e.child(name, key), nil
}

// List returns the direct children of e. Each child's attributes are seeded
// from the listing.
func (e *Entry) List(ctx context.Context) ([]vfs.Entry, error) {
	prefix := e.dirKey()
	var infos []ObjectInfo
	err := e.withHandle(ctx, "list", func(c Client) error {
		var err error
		infos, err = c.List(ctx, e.bucket, prefix, "/", 0)
		return err
	})
	if err != nil {
		return nil, vfs.PathError("list", e.String(), err)
	}

	children := make([]vfs.Entry, 0, len(infos))
	for _, info := range infos {
		if info.Key == prefix {
			continue
		}
		name := strings.TrimPrefix(info.Key, prefix)
		c := e.child(name, info.Key)
		c.attrs.InvalidateAndSet(snapshotOf(info))
		children = append(children, c)
	}
	return children, nil
}

// Mkdir creates the directory marker for e.
func (e *Entry) Mkdir(ctx context.Context) error {
	s, err := e.attrs.Fetch(ctx)
	if err != nil {
		return vfs.PathError("mkdir", e.String(), err)
	}
	if s.Exists {
		return vfs.PathError("mkdir", e.String(), vfs.ErrAlreadyExists)
	}

	var info ObjectInfo
	err = e.withHandle(ctx, "put", func(c Client) error {
		var err error
		info, err = c.Put(ctx, e.bucket, e.dirKey(), strings.NewReader(""), 0)
		return err
	})
	if err != nil {
		return vfs.PathError("mkdir", e.String(), err)
	}
	if info.LastModified.IsZero() {
		info.LastModified = e.b.now()
	}
	e.attrs.InvalidateAndSet(dirSnapshot(snapshotOf(info)))
	return nil
}

// Delete removes a file, or a directory that holds nothing but its marker.
func (e *Entry) Delete(ctx context.Context) error {
	if e.isRoot() {
		return vfs.PathError("delete", e.String(), fmt.Errorf("%w: cannot delete a bucket root", vfs.ErrUnsupported))
	}
	s, err := e.attrs.Fetch(ctx)
	if err != nil {
		return vfs.PathError("delete", e.String(), err)
	}
	if !s.Exists {
		return vfs.PathError("delete", e.String(), vfs.ErrNotFound)
	}

	if s.IsDir {
		marker := e.dirKey()
		err = e.withHandle(ctx, "delete", func(c Client) error {
			infos, err := c.List(ctx, e.bucket, marker, "", 2)
			if err != nil {
				return err
			}
			for _, info := range infos {
				if info.Key != marker {
					return vfs.ErrDirectoryNotEmpty
				}
			}
			return c.Delete(ctx, e.bucket, marker)
		})
	} else {
		err = e.withHandle(ctx, "delete", func(c Client) error {
			return c.Delete(ctx, e.bucket, e.objectKey())
		})
	}
	if err != nil {
		return vfs.PathError("delete", e.String(), err)
	}
	e.attrs.InvalidateAndSet(cache.Snapshot{})
	return nil
}

// CanCopyTo reports whether dst is a file in the same realm and bucket, so
// the server can copy without moving bytes through this process.
func (e *Entry) CanCopyTo(dst vfs.Entry) bool {
	d, ok := dst.(*Entry)
	if !ok || d.b != e.b {
		return false
	}
	if d.realm != e.realm || d.bucket != e.bucket {
		return false
	}
	return !e.isRoot() && !strings.HasSuffix(e.key, "/") && !e.attrs.Peek().IsDir
}

// CopyTo copies e to dst on the server.
func (e *Entry) CopyTo(ctx context.Context, dst vfs.Entry) error {
	if !e.CanCopyTo(dst) {
		return vfs.PathError("copy", e.String(), fmt.Errorf("%w: server-side copy to %s", vfs.ErrUnsupported, dst.URL().Redacted()))
	}
	d := dst.(*Entry)

	var info ObjectInfo
	err := e.withHandle(ctx, "copy", func(c Client) error {
		var err error
		info, err = c.Copy(ctx, e.bucket, e.objectKey(), d.bucket, d.objectKey())
		return err
	})
	if err != nil {
		return vfs.PathError("copy", e.String(), err)
	}
	if info.LastModified.IsZero() {
		info.LastModified = e.b.now()
	}
	d.attrs.InvalidateAndSet(snapshotOf(info))
	return nil
}

// Rename copies e to dst and deletes e. Directories are copied and removed
// recursively.
func (e *Entry) Rename(ctx context.Context, dst vfs.Entry) error {
	s, err := e.attrs.Fetch(ctx)
	if err != nil {
		return vfs.PathError("rename", e.String(), err)
	}
	if !s.Exists {
		return vfs.PathError("rename", e.String(), vfs.ErrNotFound)
	}

	if s.IsDir {
		if err := vfs.CopyTree(ctx, e, dst, vfs.DefaultCopyConcurrency); err != nil {
			return vfs.PathError("rename", e.String(), err)
		}
		return vfs.RemoveAll(ctx, e)
	}
	if err := vfs.Copy(ctx, e, dst); err != nil {
		return vfs.PathError("rename", e.String(), err)
	}
	return e.Delete(ctx)
}
