package remote_test

import (
	"context"
	"errors"
	"net/url"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/remote"
	"github.com/s3fs-fuse/remotefs/internal/remote/remotetest"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

type fixture struct {
	backend *remote.Backend
	store   *remotetest.Store
	staging billy.Filesystem
	pool    *connpool.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStaging(t, memfs.New())
}

func newFixtureWithStaging(t *testing.T, staging billy.Filesystem) *fixture {
	t.Helper()
	store := remotetest.NewStore("bucket", "other")

	pool := connpool.NewPool(connpool.Config{
		CloseOnInactivity: connpool.Disabled,
		KeepAlive:         connpool.Disabled,
	})
	pool.RegisterFactory("s3", store.Factory())
	t.Cleanup(func() { _ = pool.Close() })

	b := remote.NewBackend(remote.Config{
		Pool:     pool,
		Resolver: &credentials.ChainResolver{},
		Staging:  staging,
	})
	return &fixture{backend: b, store: store, staging: staging, pool: pool}
}

func (f *fixture) open(t *testing.T, raw string) *remote.Entry {
	t.Helper()
	u, err := vfs.ParseURL(raw)
	require.NoError(t, err)
	e, err := f.backend.Open(context.Background(), u)
	require.NoError(t, err)
	return e.(*remote.Entry)
}

// stagedFiles lists files left in the staging area.
func (f *fixture) stagedFiles(t *testing.T) []string {
	t.Helper()
	infos, err := f.staging.ReadDir(os.TempDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

func names(entries []vfs.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
