// Package mongodb stores objects as documents of a MongoDB collection.
package mongodb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/auth"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/remote"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

const (
	DefaultDatabase   = "remotefs"
	DefaultCollection = "objects"
)

// Server error codes.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// document is one stored object.
type document struct {
	Bucket   string    `bson:"bucket"`
	Key      string    `bson:"key"`
	Data     []byte    `bson:"data,omitempty"`
	Size     int64     `bson:"size"`
	Owner    string    `bson:"owner"`
	Modified time.Time `bson:"modified"`
}

func (d document) info() remote.ObjectInfo {
	return remote.ObjectInfo{Key: d.Key, Size: d.Size, LastModified: d.Modified, Owner: d.Owner}
}

// Options selects where objects are kept.
type Options struct {
	Database   string
	Collection string
}

// Client is one MongoDB client for a realm.
type Client struct {
	realm credentials.Realm
	opts  Options
	now   func() time.Time
	log   *zap.Logger

	mu     sync.Mutex
	client *mongo.Client
	coll   *mongo.Collection
}

var _ remote.Client = (*Client)(nil)

// New creates an unconnected client for realm.
func New(realm credentials.Realm, opts Options) *Client {
	if opts.Database == "" {
		opts.Database = DefaultDatabase
	}
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	return &Client{
		realm: realm,
		opts:  opts,
		now:   time.Now,
		log:   logging.Named("mongodb"),
	}
}

// Factory returns a pool factory creating clients with opts.
func Factory(opts Options) connpool.Factory {
	return func(_ context.Context, realm credentials.Realm) (connpool.Conn, error) {
		return New(realm, opts), nil
	}
}

// URI returns the connection string without credentials.
func (c *Client) URI() string {
	u := url.URL{Scheme: "mongodb", Host: c.realm.Address(), Path: "/"}
	return u.String()
}

func (c *Client) clientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(c.URI())
	if login := c.realm.Credentials.Login; login != "" {
		opts.SetAuth(options.Credential{
			Username:   login,
			Password:   c.realm.Credentials.Password,
			AuthSource: c.opts.Database,
		})
	}
	return opts
}

func (c *Client) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, c.clientOptions())
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.realm, translate(err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("connect %s: %w", c.realm, translate(err))
	}

	coll := client.Database(c.opts.Database).Collection(c.opts.Collection)
	if err := ensureIndexes(ctx, coll); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("index %s: %w", c.realm, translate(err))
	}

	c.mu.Lock()
	c.client = client
	c.coll = coll
	c.mu.Unlock()
	c.log.Debug("connected", zap.String("realm", c.realm.String()), zap.String("collection", c.opts.Database+"."+c.opts.Collection))
	return nil
}

func ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "bucket", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coll != nil
}

func (c *Client) KeepAlive(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%s: not connected: %w", c.realm, vfs.ErrConnection)
	}
	return translate(client.Ping(ctx, readpref.Primary()))
}

func (c *Client) Close() error {
	c.mu.Lock()
	client := c.client
	c.client, c.coll = nil, nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect(context.Background())
}

func (c *Client) collection() (*mongo.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coll == nil {
		return nil, fmt.Errorf("%s: not connected: %w", c.realm, vfs.ErrConnection)
	}
	return c.coll, nil
}

func byKey(bucket, key string) bson.D {
	return bson.D{{Key: "bucket", Value: bucket}, {Key: "key", Value: key}}
}

var withoutData = bson.D{{Key: "data", Value: 0}}

func (c *Client) Head(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	coll, err := c.collection()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	var doc document
	err = coll.FindOne(ctx, byKey(bucket, key), options.FindOne().SetProjection(withoutData)).Decode(&doc)
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("head %s/%s: %w", bucket, key, translate(err))
	}
	return doc.info(), nil
}

func (c *Client) List(ctx context.Context, bucket, prefix, delimiter string, max int) ([]remote.ObjectInfo, error) {
	coll, err := c.collection()
	if err != nil {
		return nil, err
	}
	filter := bson.D{
		{Key: "bucket", Value: bucket},
		{Key: "key", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "key", Value: 1}}).SetProjection(withoutData)
	if delimiter == "" && max > 0 {
		opts.SetLimit(int64(max))
	}

	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, translate(err))
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, translate(err))
	}

	objects := make([]remote.ObjectInfo, 0, len(docs))
	for _, d := range docs {
		objects = append(objects, d.info())
	}
	return remote.FoldPrefixes(objects, prefix, delimiter, max), nil
}

func (c *Client) Get(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	coll, err := c.collection()
	if err != nil {
		return nil, err
	}
	var doc document
	if err := coll.FindOne(ctx, byKey(bucket, key)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, translate(err))
	}

	size := int64(len(doc.Data))
	if offset >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(doc.Data[offset:end])), nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (remote.ObjectInfo, error) {
	coll, err := c.collection()
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

	doc := document{
		Bucket:   bucket,
		Key:      key,
		Data:     data,
		Size:     size,
		Owner:    c.realm.Credentials.Login,
		Modified: c.now().UTC().Truncate(time.Millisecond),
	}
	if err := c.replace(ctx, coll, doc); err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("put %s/%s: %w", bucket, key, translate(err))
	}
	return doc.info(), nil
}

func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (remote.ObjectInfo, error) {
	coll, err := c.collection()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	var doc document
	if err := coll.FindOne(ctx, byKey(srcBucket, srcKey)).Decode(&doc); err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("copy %s/%s: %w", srcBucket, srcKey, translate(err))
	}

	doc.Bucket, doc.Key = dstBucket, dstKey
	doc.Modified = c.now().UTC().Truncate(time.Millisecond)
	if err := c.replace(ctx, coll, doc); err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("copy to %s/%s: %w", dstBucket, dstKey, translate(err))
	}
	return doc.info(), nil
}

func (c *Client) replace(ctx context.Context, coll *mongo.Collection, doc document) error {
	_, err := coll.ReplaceOne(ctx, byKey(doc.Bucket, doc.Key), doc, options.Replace().SetUpsert(true))
	return err
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	coll, err := c.collection()
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, byKey(bucket, key)); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, translate(err))
	}
	return nil
}

// translate maps driver errors onto the vfs error kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", vfs.ErrNotFound, err)
	}

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return fmt.Errorf("%w: %w", vfs.ErrAuth, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeAuthenticationFailed) || se.HasErrorCode(codeUnauthorized)) {
		return fmt.Errorf("%w: %w", vfs.ErrAuth, err)
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %w", vfs.ErrConnection, err)
	}
	return err
}
