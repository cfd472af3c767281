package s3client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/s3fs-fuse/remotefs/internal/remote"
)

type fakeUpload struct {
	bucket, key string
	parts       map[int32][]byte
}

// fakeS3 is an in-memory API with S3 semantics for the calls Client makes.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]map[string][]byte
	uploads  map[string]*fakeUpload
	nextID   int
	pageSize int
	modified time.Time

	calls   map[string]int
	fail    map[string]error
	ranges  []string
	aborted int
}

var _ API = (*fakeS3)(nil)

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{
		buckets:  make(map[string]map[string][]byte),
		uploads:  make(map[string]*fakeUpload),
		pageSize: 1000,
		modified: time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC),
		calls:    make(map[string]int),
		fail:     make(map[string]error),
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string][]byte)
	}
	return f
}

func (f *fakeS3) put(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket][key] = append([]byte(nil), data...)
}

func (f *fakeS3) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.buckets[bucket][key]
	return d, ok
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeS3) bucket(name string) (map[string][]byte, error) {
	b, ok := f.buckets[name]
	if !ok {
		return nil, &types.NoSuchBucket{Message: aws.String(name)}
	}
	return b, nil
}

func (f *fakeS3) ListBuckets(ctx context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	if err := f.enter("ListBuckets"); err != nil {
		return nil, err
	}
	return &s3.ListBucketsOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := f.enter("HeadObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, &types.NotFound{}
	}
	d, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(d))), LastModified: aws.Time(f.modified)}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := f.enter("ListObjectsV2"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	objects := make([]remote.ObjectInfo, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, remote.ObjectInfo{Key: k, Size: int64(len(b[k]))})
	}
	folded := remote.FoldPrefixes(objects, prefix, aws.ToString(in.Delimiter), 0)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	page := f.pageSize
	if n := int(aws.ToInt32(in.MaxKeys)); n > 0 && n < page {
		page = n
	}
	end := min(start+page, len(folded))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(folded))}
	if end < len(folded) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	for _, o := range folded[start:end] {
		if o.IsPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(o.Key)})
			continue
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(o.Key),
			Size:         aws.Int64(o.Size),
			LastModified: aws.Time(f.modified),
			Owner:        &types.Owner{ID: aws.String("owner-id")},
		})
	}
	return out, nil
}

func parseRange(h string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", h)
	}
	from, to, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end := size - 1
	if to != "" {
		if end, err = strconv.ParseInt(to, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	if start >= size {
		return 0, 0, &smithy.GenericAPIError{Code: "InvalidRange", Message: "The requested range is not satisfiable"}
	}
	return start, min(end, size-1), nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	d, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range == nil {
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(d)))}, nil
	}
	f.ranges = append(f.ranges, *in.Range)
	start, end, err := parseRange(*in.Range, int64(len(d)))
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(d[start : end+1])))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	if _, ok := in.Body.(io.Seeker); !ok {
		return nil, fmt.Errorf("unseekable stream is not supported without TLS")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, fmt.Errorf("content length %d, body %d", aws.ToInt64(in.ContentLength), len(data))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	b[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func splitCopySource(src string) (string, string, error) {
	bucket, escaped, ok := strings.Cut(src, "/")
	if !ok {
		return "", "", fmt.Errorf("bad copy source %q", src)
	}
	key, err := url.PathUnescape(escaped)
	return bucket, key, err
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if err := f.enter("CopyObject"); err != nil {
		return nil, err
	}
	sb, sk, err := splitCopySource(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src, err := f.bucket(sb)
	if err != nil {
		return nil, err
	}
	d, ok := src[sk]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	dst, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	dst[aws.ToString(in.Key)] = append([]byte(nil), d...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.bucket(aws.ToString(in.Bucket))
	if err != nil {
		return nil, err
	}
	delete(b, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if err := f.enter("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{bucket: aws.ToString(in.Bucket), key: aws.ToString(in.Key), parts: make(map[int32][]byte)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) upload(id string) (*fakeUpload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	return u, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := f.enter("UploadPart"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.upload(aws.ToString(in.UploadId))
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	u.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	if err := f.enter("UploadPartCopy"); err != nil {
		return nil, err
	}
	sb, sk, err := splitCopySource(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.upload(aws.ToString(in.UploadId))
	if err != nil {
		return nil, err
	}
	d, ok := f.buckets[sb][sk]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	start, end, err := parseRange(aws.ToString(in.CopySourceRange), int64(len(d)))
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	u.parts[n] = append([]byte(nil), d[start:end+1]...)
	return &s3.UploadPartCopyOutput{CopyPartResult: &types.CopyPartResult{ETag: aws.String(fmt.Sprintf("etag-%d", n))}}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if err := f.enter("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.upload(aws.ToString(in.UploadId))
	if err != nil {
		return nil, err
	}
	var data []byte
	for _, p := range in.MultipartUpload.Parts {
		data = append(data, u.parts[aws.ToInt32(p.PartNumber)]...)
	}
	b, err := f.bucket(u.bucket)
	if err != nil {
		return nil, err
	}
	b[u.key] = data
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	_ = f.enter("AbortMultipartUpload")
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}
