package s3client

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	// MinMultipartSize is the smallest upload sent as multipart (5MB).
	MinMultipartSize = 5 * 1024 * 1024
	// DefaultPartSize is the size of each uploaded or copied part (5MB).
	DefaultPartSize = 5 * 1024 * 1024
	// MaxSingleCopySize is the largest object CopyObject accepts (5GB).
	MaxSingleCopySize = 5 * 1024 * 1024 * 1024
)

// putMultipart uploads size bytes of body in parts. Bodies that support
// ReadAt are sent as sections without buffering.
func (c *Client) putMultipart(ctx context.Context, api API, bucket, key string, body io.Reader, size int64) error {
	uploadID, err := c.createMultipartUpload(ctx, api, bucket, key)
	if err != nil {
		return err
	}

	ra, base, sectioned := sectionSource(body)
	var buf []byte
	if !sectioned {
		buf = make([]byte, c.partSize)
	}

	var parts []types.CompletedPart
	for n, off := int32(1), int64(0); off < size; n, off = n+1, off+c.partSize {
		length := min(c.partSize, size-off)

		var part io.ReadSeeker
		if sectioned {
			part = io.NewSectionReader(ra, base+off, length)
		} else {
			if _, err := io.ReadFull(body, buf[:length]); err != nil {
				c.abortMultipartUpload(api, bucket, key, uploadID)
				return fmt.Errorf("read part %d: %w", n, err)
			}
			part = bytes.NewReader(buf[:length])
		}

		out, err := api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			PartNumber:    aws.Int32(n),
			UploadId:      aws.String(uploadID),
			Body:          part,
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			c.abortMultipartUpload(api, bucket, key, uploadID)
			return fmt.Errorf("upload part %d: %w", n, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}

	return c.completeMultipartUpload(ctx, api, bucket, key, uploadID, parts)
}

func sectionSource(body io.Reader) (io.ReaderAt, int64, bool) {
	ra, ok := body.(io.ReaderAt)
	if !ok {
		return nil, 0, false
	}
	s, ok := body.(io.Seeker)
	if !ok {
		return nil, 0, false
	}
	cur, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, false
	}
	return ra, cur, true
}

// copyMultipart copies an object too large for CopyObject part by part.
func (c *Client) copyMultipart(ctx context.Context, api API, srcBucket, srcKey, dstBucket, dstKey string, size int64) error {
	uploadID, err := c.createMultipartUpload(ctx, api, dstBucket, dstKey)
	if err != nil {
		return err
	}

	source := copySource(srcBucket, srcKey)
	var parts []types.CompletedPart
	for n, off := int32(1), int64(0); off < size; n, off = n+1, off+c.partSize {
		end := min(off+c.partSize, size)
		out, err := api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(dstBucket),
			Key:             aws.String(dstKey),
			PartNumber:      aws.Int32(n),
			UploadId:        aws.String(uploadID),
			CopySource:      aws.String(source),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
		})
		if err != nil {
			c.abortMultipartUpload(api, dstBucket, dstKey, uploadID)
			return fmt.Errorf("copy part %d: %w", n, err)
		}
		if out.CopyPartResult == nil || out.CopyPartResult.ETag == nil {
			c.abortMultipartUpload(api, dstBucket, dstKey, uploadID)
			return fmt.Errorf("copy part %d: missing ETag", n)
		}
		parts = append(parts, types.CompletedPart{ETag: out.CopyPartResult.ETag, PartNumber: aws.Int32(n)})
	}

	return c.completeMultipartUpload(ctx, api, dstBucket, dstKey, uploadID, parts)
}

func (c *Client) createMultipartUpload(ctx context.Context, api API, bucket, key string) (string, error) {
	out, err := api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	if out.UploadId == nil {
		return "", fmt.Errorf("create multipart upload: upload ID is nil")
	}
	return *out.UploadId, nil
}

func (c *Client) completeMultipartUpload(ctx context.Context, api API, bucket, key, uploadID string, parts []types.CompletedPart) error {
	_, err := api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		c.abortMultipartUpload(api, bucket, key, uploadID)
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// abortMultipartUpload runs detached from the caller's context so a
// cancelled transfer still releases its parts.
func (c *Client) abortMultipartUpload(api API, bucket, key, uploadID string) {
	_, err := api.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		c.log.Warn("abort multipart upload failed",
			zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
	}
}
