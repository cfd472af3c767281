// Package storage wires every supported backend into one vfs.Registry.
package storage

import (
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/s3fs-fuse/remotefs/internal/config"
	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/remote"
	"github.com/s3fs-fuse/remotefs/internal/s3client"
	"github.com/s3fs-fuse/remotefs/internal/storage/local"
	"github.com/s3fs-fuse/remotefs/internal/storage/mongodb"
	"github.com/s3fs-fuse/remotefs/internal/storage/postgres"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// Options override parts of the wiring. Zero values take the configured
// defaults.
type Options struct {
	// Local is the filesystem behind file URLs.
	Local billy.Filesystem
	// Staging holds upload staging files.
	Staging  billy.Filesystem
	Resolver credentials.Resolver
}

// NewRegistry registers the file, s3, s3+http, postgres, postgresql and
// mongodb schemes. Remote schemes share pool, whose factories are set here.
func NewRegistry(cfg *config.Config, pool *connpool.Pool) *vfs.Registry {
	return NewRegistryWithOptions(cfg, pool, Options{})
}

// NewRegistryWithOptions is NewRegistry with explicit overrides.
func NewRegistryWithOptions(cfg *config.Config, pool *connpool.Pool, opts Options) *vfs.Registry {
	if opts.Staging == nil {
		opts.Staging = osfs.New(cfg.StagingDir)
	}
	if opts.Resolver == nil {
		opts.Resolver = credentials.NewResolver(cfg.PasswdFile)
	}

	s3 := s3client.Factory(s3client.Options{Region: cfg.S3Region, PathStyle: cfg.S3PathStyle})
	pool.RegisterFactory("s3", s3)
	pool.RegisterFactory("s3+http", s3)
	pool.RegisterFactory("postgres", postgres.Factory(postgres.Options{
		Database: cfg.PostgresDatabase,
		SSLMode:  cfg.PostgresSSLMode,
	}))
	pool.RegisterFactory("mongodb", mongodb.Factory(mongodb.Options{
		Database:   cfg.MongoDatabase,
		Collection: cfg.MongoCollection,
	}))

	objects := remote.NewBackend(remote.Config{
		Pool:      pool,
		Resolver:  opts.Resolver,
		Staging:   opts.Staging,
		AttrTTL:   cfg.AttrTTL,
		BlockSize: cfg.BlockSize,
	})
	files := local.New(opts.Local)

	r := vfs.NewRegistry()
	r.Register("file", files.Open)
	for _, scheme := range []string{"s3", "s3+http", "postgres", "postgresql", "mongodb"} {
		r.Register(scheme, objects.Open)
	}
	return r
}
