package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/blockio"
	"github.com/s3fs-fuse/remotefs/internal/cache"
	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/metrics"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Config wires a Backend to its collaborators.
type Config struct {
	Pool     *connpool.Pool
	Resolver credentials.Resolver
	// Staging holds temporary files for uploads of unsized streams.
	// Nil means the system temporary directory.
	Staging   billy.Filesystem
	AttrTTL   time.Duration
	BlockSize int
	// Now is the clock for attribute expiry. Nil means time.Now.
	Now func() time.Time
}

// Backend opens remote entries for one or more schemes sharing a pool.
type Backend struct {
	pool      *connpool.Pool
	resolver  credentials.Resolver
	staging   billy.Filesystem
	ttl       time.Duration
	blockSize int
	now       func() time.Time
	log       *zap.Logger
}

// NewBackend creates a backend from cfg.
func NewBackend(cfg Config) *Backend {
	b := &Backend{
		pool:      cfg.Pool,
		resolver:  cfg.Resolver,
		staging:   cfg.Staging,
		ttl:       cfg.AttrTTL,
		blockSize: cfg.BlockSize,
		now:       cfg.Now,
		log:       logging.Named("remote"),
	}
	if b.staging == nil {
		b.staging = osfs.New(os.TempDir())
	}
	if b.resolver == nil {
		b.resolver = credentials.NewResolver("")
	}
	if b.ttl <= 0 {
		b.ttl = cache.DefaultAttrTTL
	}
	if b.blockSize <= 0 {
		b.blockSize = blockio.DefaultBlockSize
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Open resolves u to an entry. The URL path is /<bucket>/<key>; a trailing
// slash marks a directory. The attributes are fetched right away so that
// rejected credentials surface here; other failures are left for later.
func (b *Backend) Open(ctx context.Context, u *url.URL) (vfs.Entry, error) {
	realm, err := b.resolver.Resolve(ctx, u)
	if err != nil {
		return nil, vfs.PathError("open", u.Redacted(), err)
	}
	bucket, key, err := SplitPath(u.Path)
	if err != nil {
		return nil, vfs.PathError("open", u.Redacted(), err)
	}

	clean := *u
	clean.User = nil
	e := b.newEntry(&clean, realm, bucket, key)

	if _, err := e.attrs.Fetch(ctx); err != nil && errors.Is(err, vfs.ErrAuth) {
		return nil, vfs.PathError("open", e.String(), err)
	}
	return e, nil
}

func (b *Backend) newEntry(u *url.URL, realm credentials.Realm, bucket, key string) *Entry {
	e := &Entry{
		b:      b,
		u:      u,
		realm:  realm,
		bucket: bucket,
		key:    key,
	}
	e.attrs = cache.NewAttrCache(b.ttl, e.refresh)
	e.attrs.SetClock(b.now)
	return e
}

// SplitPath splits a URL path into bucket and key.
func SplitPath(p string) (bucket, key string, err error) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", "", fmt.Errorf("%w: missing bucket in path", vfs.ErrUnsupported)
	}
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key, nil
}

// withHandle runs fn on the realm's pooled client. The handle is held only
// for the duration of fn, so fn must not touch the attribute cache of any
// entry in the same realm.
func (e *Entry) withHandle(ctx context.Context, op string, fn func(Client) error) error {
	h, err := e.b.pool.Acquire(ctx, e.realm)
	if err != nil {
		return err
	}
	defer e.b.pool.Release(h)

	c, ok := h.Conn().(Client)
	if !ok {
		return fmt.Errorf("%w: %T is not an object client", vfs.ErrUnsupported, h.Conn())
	}

	start := time.Now()
	err = fn(c)
	metrics.RecordRemoteOperation(e.realm.Scheme, op, time.Since(start), err == nil)
	h.TouchActivity()
	return err
}
