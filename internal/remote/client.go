// Package remote implements vfs entries over object-store style protocols.
//
// A protocol plugs in by implementing Client. The entry adapter in this
// package supplies everything else: key derivation, attribute caching,
// directory markers, chunked reads and staged uploads. Every remote call runs
// on the realm's pooled connection.
package remote

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/s3fs-fuse/remotefs/internal/connpool"
)

// ObjectInfo describes one object or common prefix.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Owner        string
	// IsPrefix marks a common prefix returned by a delimited listing.
	IsPrefix bool
}

// Client is a connected protocol session. Keys never start with "/";
// directory markers end with "/". Missing objects yield vfs.ErrNotFound,
// rejected credentials vfs.ErrAuth and transport failures vfs.ErrConnection.
type Client interface {
	connpool.Conn

	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// List returns objects whose key starts with prefix. With a non-empty
	// delimiter, keys containing it after the prefix are folded into common
	// prefixes. max <= 0 means no limit.
	List(ctx context.Context, bucket, prefix, delimiter string, max int) ([]ObjectInfo, error)
	// Get returns length bytes starting at offset. A negative length reads
	// to the end.
	Get(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	// Put stores exactly size bytes read from body.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) (ObjectInfo, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

// FoldPrefixes applies delimiter folding and the max limit to objects sorted
// by key, for protocols whose server cannot do it. Every object key must
// start with prefix.
func FoldPrefixes(objects []ObjectInfo, prefix, delimiter string, max int) []ObjectInfo {
	out := make([]ObjectInfo, 0, len(objects))
	seen := make(map[string]bool)
	for _, o := range objects {
		if max > 0 && len(out) >= max {
			break
		}
		if delimiter != "" {
			rest := strings.TrimPrefix(o.Key, prefix)
			if i := strings.Index(rest, delimiter); i >= 0 {
				p := prefix + rest[:i+len(delimiter)]
				if !seen[p] {
					seen[p] = true
					out = append(out, ObjectInfo{Key: p, IsPrefix: true})
				}
				continue
			}
		}
		out = append(out, o)
	}
	return out
}
