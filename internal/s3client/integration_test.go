//go:build integration

package s3client

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/s3fs-fuse/remotefs/internal/credentials"
	"github.com/s3fs-fuse/remotefs/internal/vfs"
)

const localstackBucket = "remotefs-test"

// setupLocalStack starts LocalStack and returns a connected client with an
// empty bucket.
func setupLocalStack(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3",
		ExposedPorts: []string{"4566/tcp"},
		Env:          map[string]string{"SERVICES": "s3"},
		WaitingFor:   wait.ForHTTP("/_localstack/health").WithPort("4566/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start LocalStack container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566/tcp")
	require.NoError(t, err)
	p, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	c := New(credentials.Realm{
		Scheme:      "s3+http",
		Host:        host,
		Port:        p,
		Credentials: credentials.Credentials{Login: "test", Password: "test"},
	}, Options{PathStyle: true})
	require.NoError(t, c.Connect(ctx))

	api, err := c.client()
	require.NoError(t, err)
	_, err = api.(*s3.Client).CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(localstackBucket)})
	require.NoError(t, err)
	return c
}

func TestIntegration_ObjectLifecycle(t *testing.T) {
	c := setupLocalStack(t)
	ctx := context.Background()

	require.NoError(t, c.KeepAlive(ctx))

	_, err := c.Put(ctx, localstackBucket, "dir/", bytes.NewReader(nil), 0)
	require.NoError(t, err)
	_, err = c.Put(ctx, localstackBucket, "dir/hello.txt", bytes.NewReader([]byte("hello localstack")), 16)
	require.NoError(t, err)

	info, err := c.Head(ctx, localstackBucket, "dir/hello.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 16, info.Size)

	list, err := c.List(ctx, localstackBucket, "", "/", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dir/", list[0].Key)
	assert.True(t, list[0].IsPrefix)

	rc, err := c.Get(ctx, localstackBucket, "dir/hello.txt", 6, 5)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "local", string(data))

	rc, err = c.Get(ctx, localstackBucket, "dir/hello.txt", 100, -1)
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	assert.Empty(t, data)

	_, err = c.Copy(ctx, localstackBucket, "dir/hello.txt", localstackBucket, "copy of hello.txt")
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, localstackBucket, "dir/hello.txt"))
	_, err = c.Head(ctx, localstackBucket, "dir/hello.txt")
	assert.ErrorIs(t, err, vfs.ErrNotFound)

	_, err = c.List(ctx, "no-such-bucket", "", "/", 1)
	assert.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestIntegration_Multipart(t *testing.T) {
	c := setupLocalStack(t)
	ctx := context.Background()

	data := make([]byte, MinMultipartSize+1234)
	_, _ = rand.New(rand.NewSource(1)).Read(data)

	_, err := c.Put(ctx, localstackBucket, "big.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	c.copyThreshold = MinMultipartSize
	_, err = c.Copy(ctx, localstackBucket, "big.bin", localstackBucket, "big-copy.bin")
	require.NoError(t, err)

	rc, err := c.Get(ctx, localstackBucket, "big-copy.bin", 0, -1)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}
