// Package postgres stores objects as rows of a PostgreSQL table.
//
// Buckets and keys map to the (bucket, path) primary key of the objects
// table, which is created by an embedded goose migration on first connect.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/remote"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

const (
	DefaultDatabase = "remotefs"
	DefaultSSLMode  = "disable"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

const (
	headQuery = `SELECT size, modified, owner FROM objects WHERE bucket = $1 AND path = $2`
	listQuery = `SELECT path, size, modified, owner FROM objects WHERE bucket = $1 AND path LIKE $2 ESCAPE '\' ORDER BY path COLLATE "C"`
	getQuery  = `SELECT substring(data FROM $3) FROM objects WHERE bucket = $1 AND path = $2`
	getNQuery = `SELECT substring(data FROM $3 FOR $4) FROM objects WHERE bucket = $1 AND path = $2`
	putQuery  = `INSERT INTO objects (bucket, path, data, size, owner, modified)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (bucket, path) DO UPDATE SET data = EXCLUDED.data, size = EXCLUDED.size, owner = EXCLUDED.owner, modified = EXCLUDED.modified
RETURNING modified`
	copyQuery = `INSERT INTO objects (bucket, path, data, size, owner, modified)
SELECT $3, $4, data, size, owner, now() FROM objects WHERE bucket = $1 AND path = $2
ON CONFLICT (bucket, path) DO UPDATE SET data = EXCLUDED.data, size = EXCLUDED.size, owner = EXCLUDED.owner, modified = EXCLUDED.modified
RETURNING size, modified, owner`
	deleteQuery = `DELETE FROM objects WHERE bucket = $1 AND path = $2`
)

// Options configures how connections are opened.
type Options struct {
	Database string
	SSLMode  string
}

// Client is one database session for a realm.
type Client struct {
	realm   credentials.Realm
	opts    Options
	open    func(driverName, dsn string) (*sql.DB, error)
	migrate func(ctx context.Context, db *sql.DB) error
	log     *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

var _ remote.Client = (*Client)(nil)

// New creates an unconnected client for realm.
func New(realm credentials.Realm, opts Options) *Client {
	if opts.Database == "" {
		opts.Database = DefaultDatabase
	}
	if opts.SSLMode == "" {
		opts.SSLMode = DefaultSSLMode
	}
	return &Client{
		realm:   realm,
		opts:    opts,
		open:    sql.Open,
		migrate: Migrate,
		log:     logging.Named("postgres"),
	}
}

// Factory returns a pool factory creating clients with opts.
func Factory(opts Options) connpool.Factory {
	return func(_ context.Context, realm credentials.Realm) (connpool.Conn, error) {
		return New(realm, opts), nil
	}
}

// Migrate brings the schema of db up to date.
func Migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// DSN returns the connection string. It contains the password.
func (c *Client) DSN() string {
	q := url.Values{}
	q.Set("sslmode", c.opts.SSLMode)
	u := url.URL{
		Scheme:   "postgres",
		Host:     c.realm.Address(),
		Path:     "/" + c.opts.Database,
		RawQuery: q.Encode(),
	}
	if login := c.realm.Credentials.Login; login != "" {
		u.User = url.UserPassword(login, c.realm.Credentials.Password)
	}
	return u.String()
}

func (c *Client) Connect(ctx context.Context) error {
	db, err := c.open("postgres", c.DSN())
	if err != nil {
		return fmt.Errorf("open %s: %w", c.realm, translate(err))
	}
	// A client is one session; the pool serializes its use.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("connect %s: %w", c.realm, translate(err))
	}
	if err := c.migrate(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate %s: %w", c.realm, translate(err))
	}

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	c.log.Debug("connected", zap.String("realm", c.realm.String()), zap.String("database", c.opts.Database))
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db != nil
}

func (c *Client) KeepAlive(ctx context.Context) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	return translate(db.PingContext(ctx))
}

func (c *Client) Close() error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (c *Client) conn() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, fmt.Errorf("%s: not connected: %w", c.realm, vfs.ErrConnection)
	}
	return c.db, nil
}

func (c *Client) Head(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	db, err := c.conn()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	info := remote.ObjectInfo{Key: key}
	err = db.QueryRowContext(ctx, headQuery, bucket, key).Scan(&info.Size, &info.LastModified, &info.Owner)
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("head %s/%s: %w", bucket, key, translate(err))
	}
	return info, nil
}

func (c *Client) List(ctx context.Context, bucket, prefix, delimiter string, max int) ([]remote.ObjectInfo, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	query, args := listQuery, []any{bucket, escapeLike(prefix) + "%"}
	if delimiter == "" && max > 0 {
		query += " LIMIT $3"
		args = append(args, max)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, translate(err))
	}
	defer rows.Close()

	var objects []remote.ObjectInfo
	for rows.Next() {
		var o remote.ObjectInfo
		if err := rows.Scan(&o.Key, &o.Size, &o.LastModified, &o.Owner); err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, translate(err))
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, translate(err))
	}
	return remote.FoldPrefixes(objects, prefix, delimiter, max), nil
}

func (c *Client) Get(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	db, err := c.conn()
	if err != nil {
		return nil, err
	}
	// substring counts from 1.
	row := db.QueryRowContext(ctx, getQuery, bucket, key, offset+1)
	if length >= 0 {
		row = db.QueryRowContext(ctx, getNQuery, bucket, key, offset+1, length)
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, translate(err))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (remote.ObjectInfo, error) {
	db, err := c.conn()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	data, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	if int64(len(data)) != size {
		return remote.ObjectInfo{}, fmt.Errorf("put %s/%s: %w", bucket, key, io.ErrUnexpectedEOF)
	}

	info := remote.ObjectInfo{Key: key, Size: size, Owner: c.realm.Credentials.Login}
	err = db.QueryRowContext(ctx, putQuery, bucket, key, data, size, info.Owner).Scan(&info.LastModified)
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("put %s/%s: %w", bucket, key, translate(err))
	}
	return info, nil
}

func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (remote.ObjectInfo, error) {
	db, err := c.conn()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	info := remote.ObjectInfo{Key: dstKey}
	err = db.QueryRowContext(ctx, copyQuery, srcBucket, srcKey, dstBucket, dstKey).
		Scan(&info.Size, &info.LastModified, &info.Owner)
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("copy %s/%s: %w", srcBucket, srcKey, translate(err))
	}
	return info, nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	db, err := c.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, deleteQuery, bucket, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, translate(err))
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// translate maps driver errors onto the vfs error kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", vfs.ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "28P01" || pqErr.Code == "28000":
			return fmt.Errorf("%w: %w", vfs.ErrAuth, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %w", vfs.ErrConnection, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", vfs.ErrConnection, err)
	}
	return err
}
