// Package s3client speaks the S3 protocol for remote entries.
package s3client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/s3fs-fuse/remotefs/internal/connpool"
	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/logging"
	"github.com/s3fs-fuse/remotefs/internal/remote"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

// DefaultRegion is used when Options.Region is empty.
const DefaultRegion = "us-east-1"

// API is the subset of the S3 service used by Client. *s3.Client implements it.
type API interface {
	ListBuckets(ctx context.Context, in *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Options configures the S3 session.
type Options struct {
	Region    string
	PathStyle bool
}

// Client is one S3 session bound to a realm. The realm's host is the
// endpoint; its login and password are the access key pair.
type Client struct {
	realm  credentials.Realm
	opts   Options
	newAPI func(ctx context.Context) (API, error)
	now    func() time.Time
	log    *zap.Logger

	partSize           int64
	multipartThreshold int64
	copyThreshold      int64

	mu  sync.Mutex
	api API
}

var _ remote.Client = (*Client)(nil)

// New creates an unconnected client for realm.
func New(realm credentials.Realm, opts Options) *Client {
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	c := &Client{
		realm:              realm,
		opts:               opts,
		now:                time.Now,
		log:                logging.Named("s3"),
		partSize:           DefaultPartSize,
		multipartThreshold: MinMultipartSize,
		copyThreshold:      MaxSingleCopySize,
	}
	c.newAPI = c.loadAPI
	return c
}

// Factory returns a pool factory creating clients with opts.
func Factory(opts Options) connpool.Factory {
	return func(_ context.Context, realm credentials.Realm) (connpool.Conn, error) {
		return New(realm, opts), nil
	}
}

// Endpoint returns the service URL derived from the realm.
func (c *Client) Endpoint() string {
	scheme := "https"
	if c.realm.Scheme == "s3+http" {
		scheme = "http"
	}
	return scheme + "://" + c.realm.Address()
}

func (c *Client) loadAPI(ctx context.Context) (API, error) {
	cfgOptions := []func(*config.LoadOptions) error{
		config.WithRegion(c.opts.Region),
	}
	if creds := c.realm.Credentials; creds.Login != "" {
		cfgOptions = append(cfgOptions, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			creds.Login,
			creds.Password,
			creds.SessionToken,
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := c.Endpoint()
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = c.opts.PathStyle
	}), nil
}

func (c *Client) Connect(ctx context.Context) error {
	api, err := c.newAPI(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.realm, err)
	}
	c.mu.Lock()
	c.api = api
	c.mu.Unlock()
	c.log.Debug("connected", zap.String("realm", c.realm.String()), zap.String("endpoint", c.Endpoint()))
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api != nil
}

// KeepAlive lists buckets, which is the cheapest authenticated request.
func (c *Client) KeepAlive(ctx context.Context) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	_, err = api.ListBuckets(ctx, &s3.ListBucketsInput{})
	return translate(err)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.api = nil
	return nil
}

func (c *Client) client() (API, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, fmt.Errorf("%s: not connected: %w", c.realm, vfs.ErrConnection)
	}
	return c.api, nil
}

func (c *Client) Head(ctx context.Context, bucket, key string) (remote.ObjectInfo, error) {
	api, err := c.client()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	out, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("head %s/%s: %w", bucket, key, translate(err))
	}
	return remote.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (c *Client) List(ctx context.Context, bucket, prefix, delimiter string, max int) ([]remote.ObjectInfo, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{
		Bucket:     aws.String(bucket),
		Prefix:     aws.String(prefix),
		FetchOwner: aws.Bool(true),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if max > 0 {
		input.MaxKeys = aws.Int32(int32(max))
	}

	var objects []remote.ObjectInfo
	for {
		out, err := api.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, translate(err))
		}
		for _, o := range out.Contents {
			objects = append(objects, objectInfo(o))
		}
		for _, p := range out.CommonPrefixes {
			objects = append(objects, remote.ObjectInfo{Key: aws.ToString(p.Prefix), IsPrefix: true})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		if max > 0 && len(objects) >= max {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	if max > 0 && len(objects) > max {
		objects = objects[:max]
	}
	return objects, nil
}

func objectInfo(o types.Object) remote.ObjectInfo {
	info := remote.ObjectInfo{
		Key:          aws.ToString(o.Key),
		Size:         aws.ToInt64(o.Size),
		LastModified: aws.ToTime(o.LastModified),
	}
	if o.Owner != nil {
		info.Owner = aws.ToString(o.Owner.DisplayName)
		if info.Owner == "" {
			info.Owner = aws.ToString(o.Owner.ID)
		}
	}
	return info
}

// rangeHeader renders an HTTP byte range. ok is false when no header is needed.
func rangeHeader(offset, length int64) (string, bool) {
	switch {
	case length > 0:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1), true
	case offset > 0:
		return fmt.Sprintf("bytes=%d-", offset), true
	}
	return "", false
}

func (c *Client) Get(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if h, ok := rangeHeader(offset, length); ok {
		input.Range = aws.String(h)
	}

	out, err := api.GetObject(ctx, input)
	if isInvalidRange(err) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, translate(err))
	}
	return out.Body, nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (remote.ObjectInfo, error) {
	api, err := c.client()
	if err != nil {
		return remote.ObjectInfo{}, err
	}

	if size >= c.multipartThreshold {
		err = c.putMultipart(ctx, api, bucket, key, body, size)
	} else {
		err = c.putSingle(ctx, api, bucket, key, body, size)
	}
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("put %s/%s: %w", bucket, key, translate(err))
	}
	// The owner is only known from a listing; the access key is not it.
	return remote.ObjectInfo{Key: key, Size: size, LastModified: c.now()}, nil
}

func (c *Client) putSingle(ctx context.Context, api API, bucket, key string, body io.Reader, size int64) error {
	payload, err := seekablePayload(body, size)
	if err != nil {
		return err
	}
	_, err = api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          payload,
		ContentLength: aws.Int64(size),
	})
	return err
}

// seekablePayload returns the next size bytes of body as a seekable reader,
// which request signing needs. Sources that support ReadAt are not buffered.
func seekablePayload(body io.Reader, size int64) (io.ReadSeeker, error) {
	if ra, ok := body.(io.ReaderAt); ok {
		if s, ok := body.(io.Seeker); ok {
			cur, err := s.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			return io.NewSectionReader(ra, cur, size), nil
		}
	}
	data, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != size {
		return nil, io.ErrUnexpectedEOF
	}
	return bytes.NewReader(data), nil
}

func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (remote.ObjectInfo, error) {
	api, err := c.client()
	if err != nil {
		return remote.ObjectInfo{}, err
	}
	src, err := c.Head(ctx, srcBucket, srcKey)
	if err != nil {
		return remote.ObjectInfo{}, err
	}

	if src.Size > c.copyThreshold {
		err = c.copyMultipart(ctx, api, srcBucket, srcKey, dstBucket, dstKey, src.Size)
	} else {
		_, err = api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstBucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(copySource(srcBucket, srcKey)),
		})
	}
	if err != nil {
		return remote.ObjectInfo{}, fmt.Errorf("copy %s/%s: %w", srcBucket, srcKey, translate(err))
	}
	return remote.ObjectInfo{Key: dstKey, Size: src.Size, LastModified: c.now(), Owner: src.Owner}, nil
}

// copySource renders the x-amz-copy-source value with the key URL-escaped.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	_, err = api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, translate(err))
	}
	return nil
}
