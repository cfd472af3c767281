package fuse

import (
	"context"
	"os"
	"sort"
	"syscall"
	"testing"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rootDir(t *testing.T, filesystem *Filesystem) *Dir {
	t.Helper()
	node, err := NewFuseFS(filesystem).Root()
	require.NoError(t, err)
	return node.(*Dir)
}

func lookupFile(t *testing.T, d *Dir, name string) *File {
	t.Helper()
	node, err := d.Lookup(context.Background(), name)
	require.NoError(t, err)
	f, ok := node.(*File)
	require.True(t, ok, "%s is not a file", name)
	return f
}

func TestRootAttr(t *testing.T) {
	filesystem, _ := newTestFilesystem(t)
	root := rootDir(t, filesystem)

	var a fuse.Attr
	require.NoError(t, root.Attr(context.Background(), &a))
	assert.True(t, a.Mode.IsDir())
	assert.Equal(t, uint32(1000), a.Uid)
}

func TestStatfsResponse(t *testing.T) {
	filesystem, _ := newTestFilesystem(t)
	var resp fuse.StatfsResponse
	require.NoError(t, NewFuseFS(filesystem).Statfs(context.Background(), &fuse.StatfsRequest{}, &resp))
	assert.EqualValues(t, 4096, resp.Bsize)
	assert.EqualValues(t, 4096, resp.Frsize)
	assert.NotZero(t, resp.Blocks)
}

func TestLookupAndReadDirAll(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, util.WriteFile(fsys, "/file", []byte("x"), 0644))
	require.NoError(t, fsys.MkdirAll("/dir", 0755))
	root := rootDir(t, filesystem)

	node, err := root.Lookup(ctx, "dir")
	require.NoError(t, err)
	assert.IsType(t, &Dir{}, node)
	assert.IsType(t, &File{}, lookupFile(t, root, "file"))

	_, err = root.Lookup(ctx, "missing")
	assert.Equal(t, syscall.ENOENT, err)

	dirents, err := root.ReadDirAll(ctx)
	require.NoError(t, err)
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name < dirents[j].Name })
	assert.Equal(t, []fuse.Dirent{
		{Name: "dir", Type: fuse.DT_Dir},
		{Name: "file", Type: fuse.DT_File},
	}, dirents)
}

func TestMkdirAndRemoveNodes(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	root := rootDir(t, filesystem)

	node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "d", Mode: os.ModeDir | 0755})
	require.NoError(t, err)
	sub := node.(*Dir)
	assert.Equal(t, "/d", sub.path)

	_, err = root.Mkdir(ctx, &fuse.MkdirRequest{Name: "d", Mode: os.ModeDir | 0755})
	assert.Equal(t, syscall.EEXIST, err)

	require.NoError(t, util.WriteFile(fsys, "/d/f", nil, 0644))
	assert.Equal(t, syscall.ENOTEMPTY, root.Remove(ctx, &fuse.RemoveRequest{Name: "d", Dir: true}))
	assert.Equal(t, syscall.EISDIR, root.Remove(ctx, &fuse.RemoveRequest{Name: "d"}))

	require.NoError(t, sub.Remove(ctx, &fuse.RemoveRequest{Name: "f"}))
	require.NoError(t, root.Remove(ctx, &fuse.RemoveRequest{Name: "d", Dir: true}))
	_, err = fsys.Stat("/d")
	assert.True(t, os.IsNotExist(err))
}

func TestCreateWriteFlushRead(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	root := rootDir(t, filesystem)

	var createResp fuse.CreateResponse
	node, handle, err := root.Create(ctx, &fuse.CreateRequest{
		Name:  "new.txt",
		Flags: fuse.OpenWriteOnly | fuse.OpenCreate | fuse.OpenExclusive,
		Mode:  0644,
	}, &createResp)
	require.NoError(t, err)
	assert.NotZero(t, createResp.Flags&fuse.OpenDirectIO)

	file := node.(*File)
	h := handle.(*FileHandle)

	var writeResp fuse.WriteResponse
	require.NoError(t, h.Write(ctx, &fuse.WriteRequest{Offset: 0, Data: []byte("hello ")}, &writeResp))
	assert.Equal(t, 6, writeResp.Size)
	require.NoError(t, h.Write(ctx, &fuse.WriteRequest{Offset: 6, Data: []byte("world")}, &writeResp))

	// attributes follow the open writer before the commit
	var a fuse.Attr
	require.NoError(t, file.Attr(ctx, &a))
	assert.EqualValues(t, 11, a.Size)

	require.NoError(t, h.Flush(ctx, &fuse.FlushRequest{}))
	require.NoError(t, h.Release(ctx, &fuse.ReleaseRequest{}))
	assert.Equal(t, "hello world", readAll(t, fsys, "/new.txt"))

	_, _, err = root.Create(ctx, &fuse.CreateRequest{Name: "new.txt", Flags: fuse.OpenWriteOnly | fuse.OpenExclusive}, &createResp)
	assert.Equal(t, syscall.EEXIST, err)

	file = lookupFile(t, root, "new.txt")
	var openResp fuse.OpenResponse
	handle, err = file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &openResp)
	require.NoError(t, err)
	h = handle.(*FileHandle)

	var readResp fuse.ReadResponse
	require.NoError(t, h.Read(ctx, &fuse.ReadRequest{Offset: 6, Size: 100}, &readResp))
	assert.Equal(t, "world", string(readResp.Data))

	assert.Equal(t, syscall.EBADF, h.Write(ctx, &fuse.WriteRequest{Data: []byte("x")}, &writeResp))
	require.NoError(t, h.Release(ctx, &fuse.ReleaseRequest{}))
}

func TestOpenModes(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, util.WriteFile(fsys, "/f", []byte("start\n"), 0644))
	root := rootDir(t, filesystem)
	file := lookupFile(t, root, "f")

	var resp fuse.OpenResponse
	_, err := file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadWrite}, &resp)
	assert.Equal(t, syscall.ENOTSUP, err)

	handle, err := file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly | fuse.OpenAppend}, &resp)
	require.NoError(t, err)
	h := handle.(*FileHandle)
	var writeResp fuse.WriteResponse
	require.NoError(t, h.Write(ctx, &fuse.WriteRequest{Offset: 6, Data: []byte("more\n")}, &writeResp))
	require.NoError(t, h.Release(ctx, &fuse.ReleaseRequest{}))
	assert.Equal(t, "start\nmore\n", readAll(t, fsys, "/f"))

	var readResp fuse.ReadResponse
	assert.Equal(t, syscall.EBADF, h.Read(ctx, &fuse.ReadRequest{Size: 1}, &readResp))
}

func TestSetattrTruncates(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, util.WriteFile(fsys, "/f", []byte("content"), 0644))
	root := rootDir(t, filesystem)
	file := lookupFile(t, root, "f")

	var resp fuse.SetattrResponse
	err := file.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 3}, &resp)
	assert.Equal(t, syscall.ENOTSUP, err)

	require.NoError(t, file.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrMode, Mode: 0600}, &resp))
	assert.EqualValues(t, 7, resp.Attr.Size)

	require.NoError(t, file.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 0}, &resp))
	assert.Equal(t, "", readAll(t, fsys, "/f"))

	assert.Equal(t, syscall.EISDIR, root.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrSize}, &resp))
}

func TestSetattrOnOpenWriterTruncatesAtCommit(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, util.WriteFile(fsys, "/f", []byte("content"), 0644))
	file := lookupFile(t, rootDir(t, filesystem), "f")

	var openResp fuse.OpenResponse
	handle, err := file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &openResp)
	require.NoError(t, err)

	var resp fuse.SetattrResponse
	require.NoError(t, file.Setattr(ctx, &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 0}, &resp))
	assert.Zero(t, resp.Attr.Size)
	assert.Equal(t, "content", readAll(t, fsys, "/f"))

	require.NoError(t, handle.(*FileHandle).Release(ctx, &fuse.ReleaseRequest{}))
	assert.Equal(t, "", readAll(t, fsys, "/f"))
}

func TestRenameNodes(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, util.WriteFile(fsys, "/a", []byte("A"), 0644))
	require.NoError(t, fsys.MkdirAll("/sub", 0755))
	root := rootDir(t, filesystem)

	node, err := root.Lookup(ctx, "sub")
	require.NoError(t, err)
	require.NoError(t, root.Rename(ctx, &fuse.RenameRequest{OldName: "a", NewName: "b"}, node))
	assert.Equal(t, "A", readAll(t, fsys, "/sub/b"))

	var other fs.Node = lookupFile(t, node.(*Dir), "b")
	assert.Equal(t, syscall.EXDEV, root.Rename(ctx, &fuse.RenameRequest{OldName: "x", NewName: "y"}, other))
}

func TestFsyncIsNoop(t *testing.T) {
	filesystem, fsys := newTestFilesystem(t)
	require.NoError(t, util.WriteFile(fsys, "/f", nil, 0644))
	file := lookupFile(t, rootDir(t, filesystem), "f")
	assert.NoError(t, file.Fsync(context.Background(), &fuse.FsyncRequest{}))
}
