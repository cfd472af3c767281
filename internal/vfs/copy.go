package vfs

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

// DefaultCopyConcurrency bounds the number of files CopyTree transfers at once.
const DefaultCopyConcurrency = 4

// Copy copies the content of the file src to dst.
//
// When src can copy to dst server-side the bytes never leave the backend.
// Otherwise src is streamed sequentially into dst's Upload, which decides
// whether to stage the stream first.
func Copy(ctx context.Context, src, dst Entry) error {
	if rc, ok := src.(RemoteCopier); ok && rc.CanCopyTo(dst) {
		return rc.CopyTo(ctx, dst)
	}

	w, ok := dst.(Writable)
	if !ok {
		return NewTransferError(PhaseOpeningDestination, PathError("upload", dst.URL().String(), ErrUnsupported))
	}

	in, err := OpenReader(ctx, src, 0)
	if err != nil {
		return NewTransferError(PhaseOpeningSource, err)
	}
	defer in.Close()

	return w.Upload(ctx, in, false)
}

// CopyTree copies src to dst. Directories are recreated and walked, and their
// files are copied with at most concurrency transfers in flight.
func CopyTree(ctx context.Context, src, dst Entry, concurrency int) error {
	attrs, err := src.Stat(ctx)
	if err != nil {
		return NewTransferError(PhaseOpeningSource, err)
	}
	if !attrs.IsDir {
		return Copy(ctx, src, dst)
	}

	if concurrency <= 0 {
		concurrency = DefaultCopyConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	walkErr := copyDir(gctx, g, src, dst)
	if err := g.Wait(); err != nil {
		return err
	}
	return walkErr
}

func copyDir(ctx context.Context, g *errgroup.Group, src, dst Entry) error {
	if err := Mkdir(ctx, dst); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return NewTransferError(PhaseOpeningDestination, err)
	}

	children, err := List(ctx, src)
	if err != nil {
		return NewTransferError(PhaseReadingSource, err)
	}

	for _, child := range children {
		child := child
		if ctx.Err() != nil {
			return ctx.Err()
		}
		isDir := child.Attributes(ctx).IsDir
		name := child.Name()
		if isDir {
			name += "/"
		}
		target, err := Child(ctx, dst, name)
		if err != nil {
			return NewTransferError(PhaseOpeningDestination, err)
		}
		if isDir {
			if err := copyDir(ctx, g, child, target); err != nil {
				return err
			}
			continue
		}
		g.Go(func() error {
			return Copy(ctx, child, target)
		})
	}
	return nil
}

// RemoveAll deletes e and, when it is a directory, everything below it.
// A missing entry is not an error.
func RemoveAll(ctx context.Context, e Entry) error {
	attrs, err := e.Stat(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if attrs.IsDir {
		children, err := List(ctx, e)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := RemoveAll(ctx, child); err != nil {
				return err
			}
		}
	}
	return Delete(ctx, e)
}

// Drain copies src into dst until EOF, tagging read and write failures with
// their phase.
func Drain(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return total, NewTransferError(PhaseWritingDestination, werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, NewTransferError(PhaseReadingSource, rerr)
		}
	}
}
